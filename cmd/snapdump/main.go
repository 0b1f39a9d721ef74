// snapdump validates and describes startup blobs and stored code caches.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/tliron/commonlog"

	"github.com/chazu/heapsnap/blob"
	"github.com/chazu/heapsnap/cachestore"
	"github.com/chazu/heapsnap/disasm"
	"github.com/chazu/heapsnap/engine"
	"github.com/chazu/heapsnap/isolate"
	"github.com/chazu/heapsnap/snapshot"

	_ "github.com/tliron/commonlog/simple"
)

func main() {
	listOps := flag.Bool("ops", false, "List every opcode of each stream")
	builtin := flag.String("disasm", "", "Disassemble a builtin by name, or 'all'")
	cacheDB := flag.String("cache", "", "Code cache database to inspect instead of a blob")
	origin := flag.String("origin", "", "Script origin to inspect (with -cache)")
	verbose := flag.Int("v", 0, "Log verbosity (0-4)")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: snapdump [options] <snapshot.blob>\n")
		fmt.Fprintf(os.Stderr, "       snapdump -cache <codecache.db> [-origin name] [-ops]\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  snapdump snapshot.blob                  # Summary and sanity checks\n")
		fmt.Fprintf(os.Stderr, "  snapdump -ops snapshot.blob             # Dump both streams\n")
		fmt.Fprintf(os.Stderr, "  snapdump -disasm CompileLazy snapshot.blob\n")
		fmt.Fprintf(os.Stderr, "  snapdump -cache codecache.db -origin app.js -ops\n")
	}
	flag.Parse()
	commonlog.Configure(*verbose, nil)

	var err error
	switch {
	case *cacheDB != "":
		err = dumpCodeCache(*cacheDB, *origin, *listOps)
	case flag.NArg() == 1:
		err = dumpBlob(flag.Arg(0), *listOps, *builtin)
	default:
		flag.Usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func dumpBlob(path string, listOps bool, builtin string) error {
	d, err := blob.ReadFile(path)
	if err != nil {
		return err
	}
	fmt.Printf("%s\n", path)
	fmt.Printf("  build:        %s\n", d.BuildID)
	fmt.Printf("  version:      %s\n", d.Version)
	fmt.Printf("  flags:        %s\n", d.Flags)
	fmt.Printf("  cpu features: %#x\n", d.CPUFeatures)

	probe, err := isolate.New(isolate.Options{CPUFeatures: d.CPUFeatures})
	if err != nil {
		return err
	}
	snap := d.Snapshot()
	if err := dumpStream("startup", snap.Startup, probe, listOps); err != nil {
		return err
	}
	if snap.Context != nil {
		if err := dumpStream("context", snap.Context, probe, listOps); err != nil {
			return err
		}
	}

	if builtin == "" {
		return nil
	}
	i, err := engine.NewIsolate(engine.CreateParams{
		Options:     isolate.Options{CPUFeatures: d.CPUFeatures},
		StartupData: d,
	})
	if err != nil {
		return err
	}
	return disassembleBuiltins(i.Internal(), builtin)
}

func dumpStream(name string, data *snapshot.SnapshotData, probe *isolate.Isolate, listOps bool) error {
	fmt.Printf("\n%s snapshot: %d bytes, sanity check: %s\n", name, len(data.Bytes()), data.SanityCheck(probe))
	if r := data.SanityCheck(probe); r == snapshot.InvalidHeader || r == snapshot.LengthMismatch {
		return nil
	}
	var chunks []string
	for _, r := range data.Reservations() {
		s := fmt.Sprintf("%d", r.ChunkSize())
		if r.IsLast() {
			s += ";"
		}
		chunks = append(chunks, s)
	}
	fmt.Printf("  reservations: %s\n", strings.Join(chunks, " "))
	return dumpPayload(data.Payload(), listOps)
}

func dumpPayload(payload []byte, listOps bool) error {
	ins, err := snapshot.Disassemble(payload)
	if err != nil {
		return err
	}
	counts := snapshot.CountOps(ins)
	kinds := make([]snapshot.OpKind, 0, len(counts))
	for k := range counts {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(a, b int) bool { return kinds[a] < kinds[b] })
	fmt.Printf("  %d opcodes:", len(ins))
	for _, k := range kinds {
		fmt.Printf(" %s=%d", k, counts[k])
	}
	fmt.Println()
	if listOps {
		for _, in := range ins {
			fmt.Printf("  %s\n", in)
		}
	}
	return nil
}

func disassembleBuiltins(iso *isolate.Isolate, name string) error {
	syms := disasm.NewSymbols(iso)
	found := false
	for b := isolate.Builtin(0); b < isolate.BuiltinCount; b++ {
		if name != "all" && b.String() != name {
			continue
		}
		found = true
		code := iso.BuiltinCode(b).Address()
		fmt.Println()
		if err := disasm.Fprint(os.Stdout, iso, code, disasm.CodeWithSymbols(syms, code)); err != nil {
			return err
		}
	}
	if !found {
		return fmt.Errorf("no builtin named %q", name)
	}
	return nil
}

func dumpCodeCache(path, origin string, listOps bool) error {
	store, err := cachestore.Open(path)
	if err != nil {
		return err
	}
	defer store.Close()
	ctx := context.Background()

	if origin == "" {
		n, err := store.Len(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("%s: %d entries\n", path, n)
		return nil
	}
	e, err := store.Get(ctx, origin)
	if err != nil {
		return fmt.Errorf("%s: %w", origin, err)
	}
	scd := snapshot.SerializedCodeDataFromBytes(e.Data)
	fmt.Printf("%s (%s)\n", e.Origin, e.Created.Format("2006-01-02 15:04:05"))
	fmt.Printf("  %d bytes, source hash %#08x\n", len(e.Data), e.SourceHash)

	probe, err := isolate.New(isolate.Options{})
	if err != nil {
		return err
	}
	if r := scd.SanityCheck(probe, ""); r == snapshot.InvalidHeader {
		return fmt.Errorf("%s: %s", origin, r)
	}
	fmt.Printf("  internalized strings: %d\n", scd.NumInternalizedStrings())
	var keys []string
	for _, k := range scd.CodeStubKeys() {
		keys = append(keys, isolate.StubKey(k).String())
	}
	fmt.Printf("  code stubs: %s\n", strings.Join(keys, ", "))
	return dumpPayload(scd.Payload(), listOps)
}
