package main

import (
	"bufio"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/klauspost/compress/zstd"

	"nightbell.ai/internal/notify"
	"nightbell.ai/internal/persistence/snapshot"
)

func main() {
	if len(os.Args) >= 2 {
		switch os.Args[1] {
		case "inspect":
			inspectCmd(os.Args[2:])
			return
		case "log":
			logCmd(os.Args[2:])
			return
		case "db":
			dbCmd(os.Args[2:])
			return
		case "state":
			stateCmd(os.Args[2:])
			return
		case "time":
			timeCmd(os.Args[2:])
			return
		case "weather":
			weatherCmd(os.Args[2:])
			return
		case "notifications":
			notificationsCmd(os.Args[2:])
			return
		}
	}
	listCmd(os.Args[1:])
}

// listCmd prints snapshot files, oldest first.
func listCmd(args []string) {
	fs := flag.NewFlagSet("admin", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	_ = fs.Parse(args)

	entries, err := os.ReadDir(filepath.Join(*dataDir, "snapshots"))
	if err != nil {
		fmt.Fprintln(os.Stderr, "read:", err)
		os.Exit(1)
	}
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".snap.zst") {
			fmt.Println(e.Name())
		}
	}
}

func inspectCmd(args []string) {
	fs := flag.NewFlagSet("inspect", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	snapPath := fs.String("snapshot", "", "path to .snap.zst (optional; defaults to latest)")
	_ = fs.Parse(args)

	path := strings.TrimSpace(*snapPath)
	if path == "" {
		path = snapshot.Latest(filepath.Join(*dataDir, "snapshots"))
	}
	if path == "" {
		fmt.Fprintln(os.Stderr, "no snapshot found; provide -snapshot or run server until it writes one")
		os.Exit(2)
	}
	snap, err := snapshot.ReadSnapshot(path)
	if err != nil {
		fmt.Fprintln(os.Stderr, "read snapshot:", err)
		os.Exit(1)
	}
	describeSnapshot(os.Stdout, snap)
}

func describeSnapshot(w io.Writer, snap snapshot.SnapshotV1) {
	fmt.Fprintf(w, "snapshot v%d tick=%d tick_rate=%d night=%d..%d worlds=%d\n",
		snap.Header.Version, snap.Header.Tick, snap.TickRate, snap.NightStart, snap.NightEnd, len(snap.Worlds))
	for _, ws := range snap.Worlds {
		fmt.Fprintf(w, "  %s type=%s time=%d thunder=%v eligible=%v warned=%v participants=%d\n",
			ws.ID, ws.Type, ws.TimeOfDay, ws.Thunder, ws.Phase.DormancyEligible, ws.Phase.EndingSoonWarned, len(ws.Fatigue))
		for _, f := range ws.Fatigue {
			fmt.Fprintf(w, "    %s fatigue=%d\n", f.Name, f.Ticks)
		}
	}
}

// logCmd prints notification reports from the hourly JSONL logs.
func logCmd(args []string) {
	fs := flag.NewFlagSet("log", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	worldID := fs.String("world", "", "world id filter (optional)")
	fromTick := fs.Uint64("from_tick", 0, "first tick (inclusive, optional)")
	toTick := fs.Uint64("to_tick", 0, "last tick (inclusive, optional)")
	all := fs.Bool("all", false, "include suppressed edges")
	_ = fs.Parse(args)

	files, err := listLogFiles(filepath.Join(*dataDir, "notifications"))
	if err != nil {
		fmt.Fprintln(os.Stderr, "list logs:", err)
		os.Exit(1)
	}
	if len(files) == 0 {
		fmt.Fprintln(os.Stderr, "no notification logs found")
		os.Exit(1)
	}
	var shown int
	for _, path := range files {
		err := readReports(path, func(r notify.Report) {
			if *worldID != "" && r.Event.WorldID != *worldID {
				return
			}
			if r.Tick < *fromTick || (*toTick != 0 && r.Tick > *toTick) {
				return
			}
			if r.Suppressed && !*all {
				return
			}
			shown++
			fmt.Println(formatReport(r))
		})
		if err != nil {
			fmt.Fprintln(os.Stderr, "read:", err)
			os.Exit(1)
		}
	}
	fmt.Printf("%d notifications\n", shown)
}

func listLogFiles(dir string) ([]string, error) {
	ents, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(ents))
	for _, e := range ents {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if strings.HasPrefix(name, "notifications-") && strings.HasSuffix(name, ".jsonl.zst") {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	out := make([]string, 0, len(names))
	for _, name := range names {
		out = append(out, filepath.Join(dir, name))
	}
	return out, nil
}

func readReports(path string, fn func(notify.Report)) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return err
	}
	defer dec.Close()

	sc := bufio.NewScanner(dec)
	sc.Buffer(make([]byte, 64*1024), 8*1024*1024)
	for sc.Scan() {
		var r notify.Report
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			return fmt.Errorf("%s: unmarshal: %w", filepath.Base(path), err)
		}
		fn(r)
	}
	// A log still being written ends mid-frame.
	if err := sc.Err(); err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
		return err
	}
	return nil
}

func formatReport(r notify.Report) string {
	var b strings.Builder
	fmt.Fprintf(&b, "tick=%d world=%s %s %q", r.Tick, r.Event.WorldID, r.Event.Kind, r.Event.Label)
	if r.Event.Participant != "" {
		fmt.Fprintf(&b, " participant=%s nights=%d", r.Event.Participant, r.Event.NightsSinceRest)
	}
	if r.Suppressed {
		b.WriteString(" suppressed")
	}
	fmt.Fprintf(&b, " delivered=%d/%d", r.Delivered, r.Recipients)
	return b.String()
}
