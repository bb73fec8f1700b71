package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"citystream.ai/internal/persistence/cellstore"
	"citystream.ai/internal/sim/catalogs"
	"citystream.ai/internal/sim/tuning"
	"citystream.ai/internal/sim/world/design"
	"citystream.ai/internal/sim/world/stream"
)

func main() {
	if len(os.Args) >= 2 {
		switch os.Args[1] {
		case "bake":
			bakeCmd(os.Args[2:])
			return
		case "inspect":
			inspectCmd(os.Args[2:])
			return
		case "digest":
			digestCmd(os.Args[2:])
			return
		case "visible":
			visibleCmd(os.Args[2:])
			return
		case "mutate":
			mutateCmd(os.Args[2:])
			return
		case "db":
			dbCmd(os.Args[2:])
			return
		case "state":
			stateCmd(os.Args[2:])
			return
		}
	}
	listCmd(os.Args[1:])
}

func listCmd(args []string) {
	fs := flag.NewFlagSet("admin", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	_ = fs.Parse(args)

	entries, err := os.ReadDir(filepath.Join(*dataDir, "worlds"))
	if err != nil {
		fmt.Fprintln(os.Stderr, "read:", err)
		os.Exit(1)
	}
	for _, e := range entries {
		if e.IsDir() {
			fmt.Println(e.Name())
		}
	}
}

// city bundles what the offline commands need to reproduce the server's
// designer without running a world.
type city struct {
	tune     tuning.Tuning
	reg      *catalogs.Archetypes
	designer design.Designer
	cfg      stream.Config
}

type cityFlags struct {
	configDir  *string
	tuningPath *string
	archetypes *string
	bias       *string
}

func addCityFlags(fs *flag.FlagSet) cityFlags {
	return cityFlags{
		configDir:  fs.String("configs", "./configs", "config directory"),
		tuningPath: fs.String("tuning", "", "path to tuning.yaml (default: <configs>/tuning.yaml)"),
		archetypes: fs.String("archetypes", "", "path to archetypes.json (default: <configs>/archetypes.json)"),
		bias:       fs.String("bias", "", "category bias yaml (optional)"),
	}
}

func (f cityFlags) load() (*city, error) {
	tp := strings.TrimSpace(*f.tuningPath)
	if tp == "" {
		tp = filepath.Join(*f.configDir, "tuning.yaml")
	}
	tune, err := tuning.Load(tp)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
		tune = tuning.Defaults()
	}

	ap := strings.TrimSpace(*f.archetypes)
	if ap == "" {
		ap = filepath.Join(*f.configDir, "archetypes.json")
	}
	reg, err := catalogs.LoadArchetypes(ap)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
		reg = catalogs.DefaultArchetypes()
	}

	rule := design.NewRuleDesigner(tune.Params(), tune.DesignZoning(), nil)
	var d design.Designer = rule
	if bp := strings.TrimSpace(*f.bias); bp != "" {
		w, err := design.LoadBias(bp)
		if err != nil {
			return nil, err
		}
		d = design.NewBiasedDesigner(rule, w)
	}

	return &city{
		tune:     tune,
		reg:      reg,
		designer: d,
		cfg: stream.Config{
			Params: tune.Params(),
			Radius: tune.Stream.Radius,
			Bounds: tune.Bounds(),
		},
	}, nil
}

func (c *city) openStore(backend, dir string) (cellstore.Handle, error) {
	if strings.TrimSpace(backend) == "" {
		backend = c.tune.Store.Backend
	}
	if strings.TrimSpace(dir) == "" {
		dir = c.tune.Store.Dir
	}
	return cellstore.Open(cellstore.Options{Backend: backend, Dir: dir, Compress: c.tune.Store.Compress})
}

func fail(msg string, err error) {
	fmt.Fprintln(os.Stderr, msg+":", err)
	os.Exit(1)
}
