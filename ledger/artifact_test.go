package ledger

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultArtifacts(t *testing.T) {
	cond, err := DefaultArtifact(ConditionalPayment)
	if err != nil {
		t.Fatalf("conditional: %v", err)
	}
	for _, m := range []string{MethodGetStatus, MethodConfirmDelivery, MethodReleasePayment} {
		if _, ok := cond.ABI.Methods[m]; !ok {
			t.Errorf("conditional abi missing %s", m)
		}
	}
	if got := len(cond.ABI.Constructor.Inputs); got != 1 {
		t.Errorf("conditional constructor inputs = %d, want 1", got)
	}
	if cond.CanDeploy() {
		t.Errorf("embedded artifact must not be deployable")
	}

	timed, err := DefaultArtifact(VendorPayment)
	if err != nil {
		t.Fatalf("timed: %v", err)
	}
	for _, m := range []string{MethodPaid, MethodTriggerPayment} {
		if _, ok := timed.ABI.Methods[m]; !ok {
			t.Errorf("timed abi missing %s", m)
		}
	}
	if got := len(timed.ABI.Constructor.Inputs); got != 3 {
		t.Errorf("timed constructor inputs = %d, want 3", got)
	}

	if _, err := DefaultArtifact("Nope"); err == nil {
		t.Errorf("expected error for unknown artifact")
	}
}

func TestParseArtifact_HardhatAndFoundry(t *testing.T) {
	hardhat := []byte(`{"contractName":"ConditionalPayment","bytecode":"0x6080604052"}`)
	art, err := ParseArtifact(ConditionalPayment, hardhat)
	if err != nil {
		t.Fatalf("hardhat: %v", err)
	}
	if !art.CanDeploy() || len(art.Bytecode) != 5 {
		t.Fatalf("hardhat bytecode = %x", art.Bytecode)
	}
	if _, ok := art.ABI.Methods[MethodGetStatus]; !ok {
		t.Errorf("missing abi should fall back to embedded")
	}

	foundry := []byte(`{"abi":[{"type":"function","name":"paid","inputs":[],"outputs":[{"name":"","type":"bool"}],"stateMutability":"view"}],"bytecode":{"object":"6080"}}`)
	art, err = ParseArtifact(VendorPayment, foundry)
	if err != nil {
		t.Fatalf("foundry: %v", err)
	}
	if len(art.Bytecode) != 2 {
		t.Errorf("foundry bytecode = %x", art.Bytecode)
	}
	if _, ok := art.ABI.Methods[MethodPaid]; !ok {
		t.Errorf("foundry abi not used")
	}
}

func TestParseArtifact_Errors(t *testing.T) {
	if _, err := ParseArtifact(ConditionalPayment, []byte(`not json`)); err == nil {
		t.Errorf("expected decode error")
	}
	if _, err := ParseArtifact(ConditionalPayment, []byte(`{"bytecode":"0xzz"}`)); err == nil {
		t.Errorf("expected bytecode error")
	}
	art, err := ParseArtifact(ConditionalPayment, []byte(`{"bytecode":"0x"}`))
	if err != nil {
		t.Fatalf("empty bytecode: %v", err)
	}
	if art.CanDeploy() {
		t.Errorf("empty bytecode must not be deployable")
	}
}

func TestLoadArtifact(t *testing.T) {
	art, err := LoadArtifact(VendorPayment, "")
	if err != nil || art.Name != VendorPayment {
		t.Fatalf("empty path: %v %v", art, err)
	}

	path := filepath.Join(t.TempDir(), "VendorPayment.json")
	if err := os.WriteFile(path, []byte(`{"bytecode":"0x60806040"}`), 0o600); err != nil {
		t.Fatal(err)
	}
	art, err = LoadArtifact(VendorPayment, path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !art.CanDeploy() {
		t.Errorf("expected bytecode from file")
	}

	if _, err := LoadArtifact(VendorPayment, filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Errorf("expected error for missing file")
	}
}
