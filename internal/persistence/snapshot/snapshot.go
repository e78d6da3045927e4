package snapshot

import (
	"bufio"
	"encoding/gob"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/klauspost/compress/zstd"
)

const Version = 1

type Header struct {
	Version int    `json:"version"`
	Tick    uint64 `json:"tick"`
	UnixMs  int64  `json:"unix_ms"`
}

// SnapshotV1 is everything needed to resume the server without re-firing
// edges that already went out.
type SnapshotV1 struct {
	Header Header `json:"header"`

	TickRate   int   `json:"tick_rate_hz"`
	NightStart int64 `json:"night_start"`
	NightEnd   int64 `json:"night_end"`

	Worlds []WorldV1 `json:"worlds"`
}

type WorldV1 struct {
	ID               string `json:"id"`
	Type             string `json:"type"`
	Tick             uint64 `json:"tick"`
	TimeOfDay        int64  `json:"time_of_day"`
	Thunder          bool   `json:"thunder"`
	ThunderUntilTick uint64 `json:"thunder_until_tick,omitempty"`

	Phase PhaseV1 `json:"phase"`

	// Fatigue by participant name, present and away.
	Fatigue []FatigueV1 `json:"fatigue,omitempty"`
}

type PhaseV1 struct {
	DormancyEligible      bool `json:"dormancy_eligible"`
	PriorDormancyEligible bool `json:"prior_dormancy_eligible"`
	EndingSoonWarned      bool `json:"ending_soon_warned"`
	Tracked               bool `json:"tracked"`
}

type FatigueV1 struct {
	Name  string `json:"name"`
	Ticks int    `json:"ticks"`
}

func (s SnapshotV1) World(id string) (WorldV1, bool) {
	for _, w := range s.Worlds {
		if w.ID == id {
			return w, true
		}
	}
	return WorldV1{}, false
}

// FileName is the on-disk name for a snapshot taken at tick.
func FileName(tick uint64) string {
	return fmt.Sprintf("%d.snap.zst", tick)
}

func WriteSnapshot(path string, snap SnapshotV1) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}

	if err := encode(f, snap); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

func encode(f *os.File, snap SnapshotV1) error {
	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return err
	}
	bw := bufio.NewWriterSize(enc, 64*1024)

	hb, _ := json.Marshal(snap.Header)
	if _, err := bw.Write(hb); err != nil {
		_ = enc.Close()
		return err
	}
	if err := bw.WriteByte('\n'); err != nil {
		_ = enc.Close()
		return err
	}
	if err := gob.NewEncoder(bw).Encode(&snap); err != nil {
		_ = enc.Close()
		return fmt.Errorf("gob encode: %w", err)
	}
	if err := bw.Flush(); err != nil {
		_ = enc.Close()
		return err
	}
	return enc.Close()
}

func ReadSnapshot(path string) (SnapshotV1, error) {
	var snap SnapshotV1
	f, err := os.Open(path)
	if err != nil {
		return snap, err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return snap, err
	}
	defer dec.Close()

	br := bufio.NewReaderSize(dec, 64*1024)

	// The gob body repeats the header.
	_, _ = br.ReadBytes('\n')

	if err := gob.NewDecoder(br).Decode(&snap); err != nil {
		return snap, fmt.Errorf("gob decode: %w", err)
	}
	if snap.Header.Version != Version {
		return snap, fmt.Errorf("unsupported snapshot version %d", snap.Header.Version)
	}
	return snap, nil
}

// Latest returns the path of the highest-tick snapshot in dir, or "".
func Latest(dir string) string {
	ents, err := os.ReadDir(dir)
	if err != nil {
		return ""
	}
	var best string
	var bestTick uint64
	for _, e := range ents {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if !strings.HasSuffix(name, ".snap.zst") {
			continue
		}
		tick, err := strconv.ParseUint(strings.TrimSuffix(name, ".snap.zst"), 10, 64)
		if err != nil {
			continue
		}
		if best == "" || tick > bestTick {
			best = filepath.Join(dir, name)
			bestTick = tick
		}
	}
	return best
}
