package ledger

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// Artifact names of the two escrow contracts.
const (
	ConditionalPayment = "ConditionalPayment"
	VendorPayment      = "VendorPayment"
)

// Methods exposed by the escrow contracts.
const (
	MethodGetStatus       = "getStatus"
	MethodConfirmDelivery = "confirmDelivery"
	MethodReleasePayment  = "releasePayment"
	MethodPaid            = "paid"
	MethodTriggerPayment  = "triggerPayment"
)

//go:embed abi/*.json
var embeddedABIs embed.FS

// Artifact is a compiled contract: its ABI and creation bytecode. Bytecode is
// empty for ABI-only artifacts, which can read and transact but not deploy.
type Artifact struct {
	Name     string
	ABI      abi.ABI
	Bytecode []byte
}

// CanDeploy reports whether the artifact carries creation bytecode.
func (a *Artifact) CanDeploy() bool {
	return a != nil && len(a.Bytecode) > 0
}

// DefaultArtifact returns the embedded ABI for name with no bytecode.
func DefaultArtifact(name string) (*Artifact, error) {
	raw, err := embeddedABIs.ReadFile("abi/" + name + ".json")
	if err != nil {
		return nil, fmt.Errorf("ledger: no embedded abi for %s", name)
	}
	parsed, err := abi.JSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("ledger: parse embedded abi %s: %w", name, err)
	}
	return &Artifact{Name: name, ABI: parsed}, nil
}

// artifactFile covers Hardhat ("bytecode": "0x...") and Foundry
// ("bytecode": {"object": "0x..."}) output.
type artifactFile struct {
	ABI      json.RawMessage `json:"abi"`
	Bytecode json.RawMessage `json:"bytecode"`
}

// LoadArtifact reads a compiler artifact from path. When the file has no ABI
// the embedded one for name is used.
func LoadArtifact(name, path string) (*Artifact, error) {
	if path == "" {
		return DefaultArtifact(name)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("ledger: read artifact %s: %w", path, err)
	}
	return ParseArtifact(name, raw)
}

// ParseArtifact decodes artifact JSON.
func ParseArtifact(name string, raw []byte) (*Artifact, error) {
	var file artifactFile
	if err := json.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("ledger: decode artifact %s: %w", name, err)
	}

	var art *Artifact
	if len(file.ABI) > 0 && string(file.ABI) != "null" {
		parsed, err := abi.JSON(bytes.NewReader(file.ABI))
		if err != nil {
			return nil, fmt.Errorf("ledger: parse abi %s: %w", name, err)
		}
		art = &Artifact{Name: name, ABI: parsed}
	} else {
		def, err := DefaultArtifact(name)
		if err != nil {
			return nil, err
		}
		art = def
	}

	code, err := decodeBytecode(file.Bytecode)
	if err != nil {
		return nil, fmt.Errorf("ledger: artifact %s: %w", name, err)
	}
	art.Bytecode = code
	return art, nil
}

func decodeBytecode(raw json.RawMessage) ([]byte, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var hexCode string
	if err := json.Unmarshal(raw, &hexCode); err != nil {
		var obj struct {
			Object string `json:"object"`
		}
		if err := json.Unmarshal(raw, &obj); err != nil {
			return nil, fmt.Errorf("unrecognised bytecode field")
		}
		hexCode = obj.Object
	}
	hexCode = strings.TrimSpace(hexCode)
	if hexCode == "" || hexCode == "0x" {
		return nil, nil
	}
	if !strings.HasPrefix(hexCode, "0x") {
		hexCode = "0x" + hexCode
	}
	code, err := hexutil.Decode(hexCode)
	if err != nil {
		return nil, fmt.Errorf("decode bytecode: %w", err)
	}
	return code, nil
}
