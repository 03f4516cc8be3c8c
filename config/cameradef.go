// Package config loads the driver's two on-disk configuration inputs: the
// detector geometry descriptor (camera.def-style key/value file) and the
// static YAML deployment configuration consumed by cmd/areadetd.
package config

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// CameraDef is the detector geometry and bit-depth a DetectorInfoAdapter
// exposes to the framework, as parsed from an optional camera.def file.
// Fields left unset by the file keep the model-specific defaults a caller
// applied before calling LoadCameraDef.
type CameraDef struct {
	Name   string
	Wide   int
	High   int
	BPP    int
	Pitch  float64 // microns; not a camera.def key, set by the caller default
}

// DefaultCameraDef is the common large-area detector this driver targets
// absent a camera.def override: 2463x2527, 32-bit signed, 172 micron pitch.
func DefaultCameraDef() CameraDef {
	return CameraDef{Name: "Pilatus", Wide: 2463, High: 2527, BPP: 32, Pitch: 172}
}

// LoadCameraDef reads a simple "key value" file, one assignment per line,
// with camera_name carrying a double-quoted string value. Unknown keys are
// ignored, per spec.md §6. Missing fields keep base's value.
func LoadCameraDef(path string, base CameraDef) (CameraDef, error) {
	f, err := os.Open(path)
	if err != nil {
		return base, fmt.Errorf("config: open camera def: %w", err)
	}
	defer f.Close()

	def := base
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, " ")
		if !ok {
			continue
		}
		value = strings.TrimSpace(value)
		switch key {
		case "camera_name":
			def.Name = strings.Trim(value, `"`)
		case "camera_wide":
			if n, err := strconv.Atoi(value); err == nil {
				def.Wide = n
			}
		case "camera_high":
			if n, err := strconv.Atoi(value); err == nil {
				def.High = n
			}
		case "camera_bpp":
			if n, err := strconv.Atoi(value); err == nil {
				def.BPP = n
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return base, fmt.Errorf("config: read camera def: %w", err)
	}
	return def, nil
}
