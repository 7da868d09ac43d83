package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/luci-dsu/luci/internal/compat/debughash"
	"github.com/luci-dsu/luci/internal/compat/policy"
	"github.com/luci-dsu/luci/internal/config"
	"github.com/luci-dsu/luci/internal/dl"
	glog "github.com/luci-dsu/luci/internal/log"
	"github.com/luci-dsu/luci/internal/loader"
	"github.com/luci-dsu/luci/internal/monitor"
	"github.com/luci-dsu/luci/internal/object"
	"github.com/luci-dsu/luci/internal/redirect"
	"github.com/luci-dsu/luci/internal/statusinfo"
	"github.com/luci-dsu/luci/internal/ui/colorize"
)

var configFile string

func main() {
	rootCmd := &cobra.Command{
		Use:   "luci [binary] [args...]",
		Short: "Dynamic software updating linker/loader for ELF64/x86_64",
		Long: `Luci loads and relocates ELF64/x86_64 shared objects the way ld.so does,
and additionally supports hot-swapping a loaded object's file on disk
without restarting the process (dynamic software updating).

Examples:
  luci ./myapp arg1 arg2            # run myapp under Luci's loader
  luci --update --detect-outdated ptrace ./myapp
  luci info ./libfoo.so             # print one identity's load state
  luci top                          # live view of every loaded identity`,
		Args:                  cobra.ArbitraryArgs,
		DisableFlagsInUseLine: true,
		RunE:                  runLoad,
	}

	config.RegisterFlags(rootCmd)
	rootCmd.Flags().StringVar(&configFile, "config", "", "read defaults from a YAML config file")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "info <path>",
		Short: "Print one shared object's identity, version, and segment summary",
		Args:  cobra.ExactArgs(1),
		RunE:  runInfo,
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "top",
		Short: "Live view of every identity's version chain and TLS state",
		RunE:  runTop,
	})

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// buildLoader wires a *loader.Loader from cfg the way runLoad, runInfo, and
// runTop all need it: redirect engine, TLS engine, and an optional
// compat/debughash oracle and compat/policy hook feeding Identity.Load.
func buildLoader(cfg config.Config) (*loader.Loader, error) {
	updateMode := cfg.UpdateMode()
	detectMode, err := cfg.DetectMode()
	if err != nil {
		return nil, err
	}

	redirectEngine := loader.NewRedirectEngine()
	if err := redirect.InstallHandler(redirectEngine); err != nil {
		glog.L.Event("redirect", "install", err.Error())
	}

	l := loader.New(loader.Options{
		LibraryPath:    cfg.LibraryPath,
		Preload:        cfg.Preload,
		Exclude:        cfg.Exclude,
		BindNow:        cfg.BindNow,
		Update:         cfg.Update,
		Force:          cfg.Force,
		DetectOutdated: detectMode,
		UpdateMode:     updateMode,
	}, redirectEngine)

	return l, nil
}

// attachOraclesAndPolicy wires the --debughash and --compat-policy flags
// into id, so Identity.Load consults them on every reload attempt.
func attachOraclesAndPolicy(id *object.Identity, cfg config.Config) error {
	id.Force = cfg.Force
	if cfg.DebugHash != "" {
		client := debughash.New(cfg.DebugHash)
		id.Oracle = client.AsOracleFunc()
	}
	if cfg.CompatPolicy != "" {
		script, err := policy.Load(cfg.CompatPolicy)
		if err != nil {
			return fmt.Errorf("luci: load compat policy %s: %w", cfg.CompatPolicy, err)
		}
		id.Policy = script.AsPolicyFunc()
	}
	return nil
}

func runLoad(cmd *cobra.Command, args []string) error {
	flags := cmd.Flags()
	cfg, err := config.Load(flags, configFile)
	if err != nil {
		return err
	}
	glog.Init(cfg.Verbosity > 0)

	if len(args) == 0 {
		return cmd.Help()
	}
	binaryPath := args[0]
	progArgs := args[1:]

	if cfg.ShowArgs {
		glog.L.Event("startup", "argv", fmt.Sprintf("%v", args))
	}
	if cfg.ShowEnv {
		glog.L.Event("startup", "envp", fmt.Sprintf("%d vars", len(os.Environ())))
	}
	if cfg.ShowAuxv {
		glog.L.Event("startup", "auxv", "auxiliary vector inspection requires PT_INTERP entry, not the standalone CLI path")
	}

	var statusStream *statusinfo.Stream
	if cfg.StatusInfo != "" {
		statusStream, err = statusinfo.Open(cfg.StatusInfo)
		if err != nil {
			return err
		}
	}

	l, err := buildLoader(cfg)
	if err != nil {
		return err
	}
	defer l.Close()

	abs, err := filepath.Abs(binaryPath)
	if err != nil {
		return fmt.Errorf("luci: resolve %s: %w", binaryPath, err)
	}
	norm, err := object.Normalize(abs)
	if err != nil {
		return fmt.Errorf("luci: %w", err)
	}

	id := object.New(filepath.Base(norm), norm, int32(object.NamespaceBase))
	id.Flags.BindNow = cfg.BindNow
	if err := attachOraclesAndPolicy(id, cfg); err != nil {
		return err
	}
	id = l.Register(id)

	for _, p := range cfg.Preload {
		resolved, err := l.ResolvePath(p, nil)
		if err != nil {
			return fmt.Errorf("luci: preload %s: %w", p, err)
		}
		pid := object.New(filepath.Base(resolved), resolved, int32(object.NamespaceBase))
		if err := attachOraclesAndPolicy(pid, cfg); err != nil {
			return err
		}
		pid = l.Register(pid)
		res := l.LoadWithDependencies(pid, nil)
		if statusStream != nil {
			statusStream.Emit(res.CorrelationID, res.Info, pid.Name, pid.Path)
		}
		if res.Err != nil {
			fmt.Fprintf(os.Stderr, "luci: preload %s: %v\n", p, res.Err)
			os.Exit(1)
		}
	}

	// LoadWithDependencies walks id's DT_NEEDED entries transitively before
	// updating id itself, so every dependency's symbol table already exists
	// when id's own relocations resolve against it (spec.md §2).
	res := l.LoadWithDependencies(id, nil)
	if statusStream != nil {
		statusStream.Emit(res.CorrelationID, res.Info, id.Name, id.Path)
	}
	if res.Err != nil {
		fmt.Fprintf(os.Stderr, "luci: load %s: %v\n", binaryPath, res.Err)
		os.Exit(1)
	}

	if cfg.Update {
		if err := l.StartHelper(time.Second); err != nil && err != loader.ErrDetectModeUnimplemented {
			return fmt.Errorf("luci: start update helper: %w", err)
		}
	}

	if cfg.StopOnUpdate {
		glog.L.Event("startup", "stop-on-update", fmt.Sprintf("pid %d (stop-on-update set; not paused)", os.Getpid()))
	}

	rt := dl.New(l)
	_ = rt // rt.DLIteratePHDR and friends are the embedding surface dlopen'd programs call back into; entry below needs none of it directly
	glog.L.Event("startup", "loaded", fmt.Sprintf("%s base=%s entry=%s", id.Name, glog.Hex(uint64(id.Current().Base)), glog.Hex(uint64(id.Current().Base)+id.Current().ELF.Entry)))

	runArgv := append([]string{binaryPath}, progArgs...)
	if err := jumpToEntry(id.Current(), runArgv, os.Environ()); err != nil {
		return fmt.Errorf("luci: run %s: %w", binaryPath, err)
	}
	return nil
}

func runInfo(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cmd.Flags(), configFile)
	if err != nil {
		return err
	}
	glog.Init(false)

	l, err := buildLoader(cfg)
	if err != nil {
		return err
	}
	defer l.Close()

	abs, err := filepath.Abs(args[0])
	if err != nil {
		return err
	}
	norm, err := object.Normalize(abs)
	if err != nil {
		return err
	}
	id := object.New(filepath.Base(norm), norm, int32(object.NamespaceBase))
	if err := attachOraclesAndPolicy(id, cfg); err != nil {
		return err
	}
	id = l.Register(id)

	res := l.Update(id)
	if res.Err != nil {
		return fmt.Errorf("luci: load %s: %w", args[0], res.Err)
	}

	obj := id.Current()
	fmt.Printf("%s  %s\n", colorize.FuncName(id.Name), colorize.Detail(id.Path))
	fmt.Printf("  %s %s\n", colorize.Detail("base:"), colorize.Address(uint64(obj.Base)))
	fmt.Printf("  %s %d\n", colorize.Detail("segments:"), len(obj.Segments))
	fmt.Printf("  %s %s\n", colorize.Detail("tls module:"), colorize.FuncName(fmt.Sprintf("%d", id.TLSModuleID)))
	versions := id.Versions()
	fmt.Printf("  %s %d\n", colorize.Detail("versions:"), len(versions))
	fmt.Printf("  %s %s\n", colorize.Detail("outcome:"), res.Info.String())
	return nil
}

func runTop(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cmd.Flags(), configFile)
	if err != nil {
		return err
	}
	glog.Init(false)

	l, err := buildLoader(cfg)
	if err != nil {
		return err
	}
	defer l.Close()

	if isTTY(os.Stdout) {
		return monitor.Run(l, time.Second)
	}
	return monitor.RenderOnce(l, os.Stdout)
}

func isTTY(f *os.File) bool {
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return info.Mode()&os.ModeCharDevice != 0
}
