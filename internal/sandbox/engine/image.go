package engine

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dop251/goja"
	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-cpi-extractor/internal/hash/sha256"
	"github.com/JakeFAU/realtime-cpi-extractor/internal/sandbox/contract"
	"github.com/JakeFAU/realtime-cpi-extractor/internal/sandbox/governor"
)

var (
	// ErrContractMismatch reports a component that cannot be served.
	ErrContractMismatch = errors.New("component does not satisfy the extraction contract")
	// ErrMissingExport reports a component lacking a required export.
	ErrMissingExport = fmt.Errorf("%w: missing export", ErrContractMismatch)
)

// probeDeadline bounds the load-time validation run.
const probeDeadline = 5 * time.Second

//go:embed builtin/extractor.js
var builtinSource []byte

// Image is a compiled, contract-checked component. It is immutable and shared
// by every instance created from it.
type Image struct {
	name    string
	program *goja.Program
	info    contract.ComponentInfo
	digest  string
	size    int
}

// Load compiles src and validates it against the contract by running it once
// in a probe context.
func Load(name string, src []byte) (*Image, error) {
	if err := contract.Preload(); err != nil {
		return nil, fmt.Errorf("preload contract schemas: %w", err)
	}
	program, err := goja.Compile(name, string(src), false)
	if err != nil {
		return nil, fmt.Errorf("%w: compile %s: %v", ErrContractMismatch, name, err)
	}
	digest, err := sha256.New().Hash(src)
	if err != nil {
		return nil, fmt.Errorf("digest %s: %w", name, err)
	}
	img := &Image{name: name, program: program, digest: digest, size: len(src)}

	info, err := img.probe()
	if err != nil {
		return nil, err
	}
	if !contract.Compatible(info.ContractVersion) {
		return nil, fmt.Errorf("%w: %s speaks contract %q, host speaks %q",
			ErrContractMismatch, name, info.ContractVersion, contract.Version)
	}
	img.info = info
	return img, nil
}

// LoadFile reads and loads a component from disk.
func LoadFile(path string) (*Image, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read component %s: %w", path, err)
	}
	return Load(filepath.Base(path), src)
}

var builtin = sync.OnceValues(func() (*Image, error) {
	return Load("builtin/extractor.js", builtinSource)
})

// Builtin returns the embedded default extractor.
func Builtin() (*Image, error) {
	return builtin()
}

func (img *Image) probe() (contract.ComponentInfo, error) {
	ticker := governor.NewEpochTicker(governor.DefaultTickInterval)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go ticker.Run(ctx)

	limits := governor.DefaultLimits()
	limits.EpochDeadline = probeDeadline
	c, err := newContext(img, limits, ticker, "probe", "", zap.NewNop())
	if err != nil {
		if errors.Is(err, ErrContractMismatch) {
			return contract.ComponentInfo{}, err
		}
		return contract.ComponentInfo{}, fmt.Errorf("%w: instantiate %s: %v", ErrContractMismatch, img.name, err)
	}
	defer c.Discard()

	info, err := c.Info()
	if err != nil {
		return contract.ComponentInfo{}, fmt.Errorf("%w: get_info: %v", ErrContractMismatch, err)
	}
	return info, nil
}

// Name returns the name the image was loaded under.
func (img *Image) Name() string { return img.name }

// Digest returns the hex SHA-256 of the component source.
func (img *Image) Digest() string { return img.digest }

// Size returns the component source length in bytes.
func (img *Image) Size() int { return img.size }

// Info returns the component metadata validated at load time.
func (img *Image) Info() contract.ComponentInfo {
	info := img.info
	info.Features = append([]string(nil), img.info.Features...)
	info.SupportedModes = append([]string(nil), img.info.SupportedModes...)
	return info
}
