// mksnapshot bootstraps an isolate and writes its startup blob.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/tliron/commonlog"

	"github.com/chazu/heapsnap/blob"
	"github.com/chazu/heapsnap/config"
	"github.com/chazu/heapsnap/engine"

	_ "github.com/tliron/commonlog/simple"
)

func main() {
	dir := flag.String("C", ".", "Directory to search for "+config.FileName)
	output := flag.String("o", "", "Output path (default from config)")
	noCompress := flag.Bool("no-compress", false, "Store snapshot payloads uncompressed")
	seed := flag.Int64("seed", 0, "Address seed (overrides config)")
	verbose := flag.Int("v", 0, "Log verbosity (0-4)")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: mksnapshot [options]\n\n")
		fmt.Fprintf(os.Stderr, "Creates a fresh isolate and native context and writes them as a startup blob.\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  mksnapshot                    # Use ./heapsnap.toml or defaults\n")
		fmt.Fprintf(os.Stderr, "  mksnapshot -o out.blob -v 2   # Write out.blob with info logging\n")
	}
	flag.Parse()

	commonlog.Configure(*verbose, nil)

	cfg, err := config.FindAndLoad(*dir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if cfg == nil {
		cfg = config.Default()
	}
	if *seed != 0 {
		cfg.Heap.AddressSeed = *seed
	}
	path := cfg.ResolvePath(cfg.Snapshot.Output)
	if *output != "" {
		path = *output
	}

	d, err := makeSnapshot(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if err := blob.WriteFile(path, d, cfg.Snapshot.Compress && !*noCompress); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("%s: build %s\n", path, d.BuildID)
	fmt.Printf("  startup %d bytes, context %d bytes\n", len(d.Startup), len(d.Context))
	fmt.Printf("  flags %s, cpu features %#x\n", d.Flags, d.CPUFeatures)
}

func makeSnapshot(cfg *config.Config) (*blob.StartupData, error) {
	params, err := engine.ParamsFromConfig(cfg)
	if err != nil {
		return nil, err
	}
	params.Options.SerializerEnabled = true
	i, err := engine.NewIsolate(params)
	if err != nil {
		return nil, err
	}
	return i.CreateSnapshotDataBlob()
}
