package runner

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/quarrylab/shufflefetch/internal/shuffle"
)

// Manifest is the on-disk description of one partition's fetch work.
type Manifest struct {
	Partition int            `json:"partition"`
	Hosts     []ManifestHost `json:"hosts"`
}

// ManifestHost is one serving daemon and the attempts it holds.
type ManifestHost struct {
	Host     string            `json:"host"`
	Port     int               `json:"port"`
	Attempts []ManifestAttempt `json:"attempts"`
}

// ManifestAttempt mirrors shuffle.AttemptID in JSON form.
type ManifestAttempt struct {
	InputIndex    int    `json:"input_index"`
	AttemptNumber int    `json:"attempt_number"`
	PathComponent string `json:"path_component"`
}

// LoadManifest reads and validates a manifest file.
func LoadManifest(path string) (Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Manifest{}, fmt.Errorf("read manifest: %w", err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return Manifest{}, fmt.Errorf("parse manifest: %w", err)
	}
	if err := m.validate(); err != nil {
		return Manifest{}, err
	}
	return m, nil
}

func (m Manifest) validate() error {
	if m.Partition < 0 {
		return fmt.Errorf("manifest: partition must be >= 0")
	}
	if len(m.Hosts) == 0 {
		return fmt.Errorf("manifest: at least one host required")
	}
	for _, h := range m.Hosts {
		if h.Host == "" || h.Port <= 0 {
			return fmt.Errorf("manifest: host %q port %d invalid", h.Host, h.Port)
		}
		for _, a := range h.Attempts {
			if a.PathComponent == "" {
				return fmt.Errorf("manifest: attempt %d/%d on %s missing path component",
					a.InputIndex, a.AttemptNumber, h.Host)
			}
		}
	}
	return nil
}

// Works converts the manifest into runner work items, one per host.
func (m Manifest) Works() []Work {
	works := make([]Work, 0, len(m.Hosts))
	for _, h := range m.Hosts {
		batch := make([]shuffle.AttemptID, 0, len(h.Attempts))
		for _, a := range h.Attempts {
			batch = append(batch, shuffle.AttemptID{
				InputIndex:    a.InputIndex,
				AttemptNumber: a.AttemptNumber,
				PathComponent: a.PathComponent,
			})
		}
		works = append(works, Work{
			Host:      h.Host,
			Port:      h.Port,
			Partition: m.Partition,
			Batch:     batch,
		})
	}
	return works
}
