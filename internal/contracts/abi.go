package contracts

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	xerrors "P2PLend-Chain/internal/errors"
)

//go:embed abi/*.json
var embedded embed.FS

const (
	// TokenABIFile is the embedded minimal ERC20 description.
	TokenABIFile = "ERC20.min.abi.json"
	// LendingABIFile is the embedded P2PLending description.
	LendingABIFile = "P2PLending.abi.json"
)

// LoadABI parses the ABI document at path. An empty path selects the
// embedded document named fallback.
func LoadABI(path, fallback string) (abi.ABI, error) {
	var (
		content []byte
		err     error
		source  = path
	)
	if strings.TrimSpace(path) == "" {
		source = "embedded:" + fallback
		content, err = embedded.ReadFile("abi/" + fallback)
	} else {
		content, err = os.ReadFile(path)
	}
	if err != nil {
		return abi.ABI{}, xerrors.Wrap(xerrors.CodeConfigInvalid, err, "read ABI description",
			xerrors.WithMetadata("source", source))
	}
	parsed, err := abi.JSON(bytes.NewReader(content))
	if err != nil {
		return abi.ABI{}, xerrors.Wrap(xerrors.CodeConfigInvalid, err, "parse ABI description",
			xerrors.WithMetadata("source", source))
	}
	return parsed, nil
}

// TokenABI loads the token description, defaulting to the embedded one.
func TokenABI(path string) (abi.ABI, error) {
	return LoadABI(path, TokenABIFile)
}

// LendingABI loads the lending contract description, defaulting to the
// embedded one.
func LendingABI(path string) (abi.ABI, error) {
	return LoadABI(path, LendingABIFile)
}

// Artifact is a compiled contract: its ABI and creation bytecode.
type Artifact struct {
	Name     string
	ABI      abi.ABI
	Bytecode []byte
}

type artifactFile struct {
	ContractName string          `json:"contractName"`
	ABI          json.RawMessage `json:"abi"`
	Bytecode     json.RawMessage `json:"bytecode"`
	Data         *struct {
		Bytecode struct {
			Object string `json:"object"`
		} `json:"bytecode"`
	} `json:"data"`
}

// LoadArtifact reads a Hardhat/Foundry style artifact ({"abi","bytecode"}) or
// a Remix one ({"abi","data":{"bytecode":{"object"}}}).
func LoadArtifact(path string) (Artifact, error) {
	if strings.TrimSpace(path) == "" {
		return Artifact{}, xerrors.New(xerrors.CodeConfigInvalid, "contract artifact path is empty",
			xerrors.WithMetadata("field", "contracts.lending_artifact"))
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return Artifact{}, xerrors.Wrap(xerrors.CodeConfigInvalid, err, "read contract artifact",
			xerrors.WithMetadata("source", path))
	}
	return ParseArtifact(content)
}

// ParseArtifact decodes artifact JSON content.
func ParseArtifact(content []byte) (Artifact, error) {
	var file artifactFile
	if err := json.Unmarshal(content, &file); err != nil {
		return Artifact{}, xerrors.Wrap(xerrors.CodeConfigInvalid, err, "decode contract artifact")
	}
	if len(file.ABI) == 0 {
		return Artifact{}, xerrors.New(xerrors.CodeConfigInvalid, "contract artifact has no abi")
	}
	parsed, err := abi.JSON(bytes.NewReader(file.ABI))
	if err != nil {
		return Artifact{}, xerrors.Wrap(xerrors.CodeConfigInvalid, err, "parse artifact abi")
	}

	code := bytecodeHex(file)
	if code == "" {
		return Artifact{}, xerrors.New(xerrors.CodeConfigInvalid, "contract artifact has no bytecode")
	}
	if !strings.HasPrefix(code, "0x") {
		code = "0x" + code
	}
	bytecode := common.FromHex(code)
	if len(bytecode) == 0 {
		return Artifact{}, xerrors.New(xerrors.CodeConfigInvalid, "contract artifact bytecode is not hex")
	}
	return Artifact{Name: file.ContractName, ABI: parsed, Bytecode: bytecode}, nil
}

func bytecodeHex(file artifactFile) string {
	if len(file.Bytecode) > 0 {
		var plain string
		if err := json.Unmarshal(file.Bytecode, &plain); err == nil {
			return strings.TrimSpace(plain)
		}
		var object struct {
			Object string `json:"object"`
		}
		if err := json.Unmarshal(file.Bytecode, &object); err == nil {
			return strings.TrimSpace(object.Object)
		}
	}
	if file.Data != nil {
		return strings.TrimSpace(file.Data.Bytecode.Object)
	}
	return ""
}

// RequireMethods checks that every named method exists in the description.
func RequireMethods(parsed abi.ABI, names ...string) error {
	var missing []string
	for _, name := range names {
		if _, ok := parsed.Methods[name]; !ok {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return xerrors.New(xerrors.CodeConfigInvalid,
			fmt.Sprintf("ABI description lacks methods: %s", strings.Join(missing, ", ")))
	}
	return nil
}
