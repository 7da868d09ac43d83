// Package config parses Luci's CLI surface (spec.md §6.3) into a typed
// Config, the way the teacher's cmd/galago/main.go wires cobra flags
// directly into package-level variables, generalized here into one struct
// plus an optional YAML config file underneath.
package config

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/luci-dsu/luci/internal/loader"
)

// Config is the fully-resolved set of options the CLI accepts, after
// flags have overridden any config file value, which in turn overrode
// built-in defaults (spec.md §6.3: "flags always win over file values
// over defaults").
type Config struct {
	LibraryPath     []string `yaml:"library_path"`
	Preload         []string `yaml:"preload"`
	Exclude         []string `yaml:"exclude"`
	BindNow         bool     `yaml:"bind_now"`
	Update          bool     `yaml:"update"`
	Force           bool     `yaml:"force"`
	DetectOutdated  string   `yaml:"detect_outdated"`
	UpdateModeStr   string   `yaml:"update_mode"`
	Trap            string   `yaml:"trap"`
	DebugSym        bool     `yaml:"dbgsym"`
	StatusInfo      string   `yaml:"statusinfo"`
	DebugHash       string   `yaml:"debughash"`
	CompatPolicy    string   `yaml:"compat_policy"`
	StopOnUpdate    bool     `yaml:"stop_on_update"`
	ShowArgs        bool     `yaml:"show_args"`
	ShowEnv         bool     `yaml:"show_env"`
	ShowAuxv        bool     `yaml:"show_auxv"`
	LogFile         string   `yaml:"logfile"`
	Verbosity       int      `yaml:"verbosity"`

	ConfigFile string `yaml:"-"`
	Binary     string `yaml:"-"`
	Args       []string `yaml:"-"`
}

// Default returns a Config with spec.md §6.3's documented defaults.
func Default() Config {
	return Config{
		DetectOutdated: "userfaultfd",
		UpdateModeStr:  "GOT",
		Trap:           "int3",
		Verbosity:      0,
	}
}

// Load merges defaults, an optional --config FILE, then flags (in that
// increasing-priority order), and returns the result.
func Load(flags *pflag.FlagSet, configFile string) (Config, error) {
	cfg := Default()

	if configFile != "" {
		data, err := os.ReadFile(configFile)
		if err != nil {
			return cfg, fmt.Errorf("config: read %s: %w", configFile, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("config: parse %s: %w", configFile, err)
		}
		cfg.ConfigFile = configFile
	}

	applyFlagOverrides(flags, &cfg)
	return cfg, nil
}

// applyFlagOverrides copies any flag pflag.Changed() reports as
// explicitly set by the user over whatever the file/default supplied,
// matching cobra's own "flags win" convention.
func applyFlagOverrides(flags *pflag.FlagSet, cfg *Config) {
	if flags == nil {
		return
	}
	stringIfChanged(flags, "detect-outdated", &cfg.DetectOutdated)
	stringIfChanged(flags, "update-mode", &cfg.UpdateModeStr)
	stringIfChanged(flags, "trap", &cfg.Trap)
	stringIfChanged(flags, "statusinfo", &cfg.StatusInfo)
	stringIfChanged(flags, "debughash", &cfg.DebugHash)
	stringIfChanged(flags, "compat-policy", &cfg.CompatPolicy)
	stringIfChanged(flags, "logfile", &cfg.LogFile)
	boolIfChanged(flags, "bind-now", &cfg.BindNow)
	boolIfChanged(flags, "update", &cfg.Update)
	boolIfChanged(flags, "force", &cfg.Force)
	boolIfChanged(flags, "dbgsym", &cfg.DebugSym)
	boolIfChanged(flags, "stop-on-update", &cfg.StopOnUpdate)
	boolIfChanged(flags, "show-args", &cfg.ShowArgs)
	boolIfChanged(flags, "show-env", &cfg.ShowEnv)
	boolIfChanged(flags, "show-auxv", &cfg.ShowAuxv)
	intIfChanged(flags, "verbosity", &cfg.Verbosity)
	stringSliceIfChanged(flags, "library-path", &cfg.LibraryPath)
	stringSliceIfChanged(flags, "preload", &cfg.Preload)
	stringSliceIfChanged(flags, "exclude", &cfg.Exclude)
}

func stringIfChanged(flags *pflag.FlagSet, name string, dst *string) {
	if flags.Changed(name) {
		if v, err := flags.GetString(name); err == nil {
			*dst = v
		}
	}
}

func boolIfChanged(flags *pflag.FlagSet, name string, dst *bool) {
	if flags.Changed(name) {
		if v, err := flags.GetBool(name); err == nil {
			*dst = v
		}
	}
}

func intIfChanged(flags *pflag.FlagSet, name string, dst *int) {
	if flags.Changed(name) {
		if v, err := flags.GetInt(name); err == nil {
			*dst = v
		}
	}
}

func stringSliceIfChanged(flags *pflag.FlagSet, name string, dst *[]string) {
	if flags.Changed(name) {
		if v, err := flags.GetStringArray(name); err == nil {
			*dst = v
		}
	}
}

// UpdateMode parses UpdateModeStr into the loader bit-flag representation.
func (c Config) UpdateMode() loader.UpdateMode {
	mode := loader.UpdateGOT
	switch c.UpdateModeStr {
	case "CODEREL":
		mode |= loader.UpdateCodeRel
	case "CODEREL_LOCALINT":
		mode |= loader.UpdateCodeRel | loader.UpdateCodeRelLocalInt
	}
	return mode
}

// DetectMode parses DetectOutdated into the loader enum.
func (c Config) DetectMode() (loader.DetectMode, error) {
	switch c.DetectOutdated {
	case "disabled":
		return loader.DetectDisabled, nil
	case "userfaultfd":
		return loader.DetectUserfaultfd, nil
	case "uprobes":
		return loader.DetectUprobes, nil
	case "uprobes_deps":
		return loader.DetectUprobesDeps, nil
	case "ptrace":
		return loader.DetectPtrace, nil
	default:
		return loader.DetectDisabled, fmt.Errorf("config: unknown --detect-outdated value %q", c.DetectOutdated)
	}
}

// RegisterFlags attaches every spec.md §6.3 flag to cmd, mirroring the
// teacher's pattern of binding flags directly in main() but collected here
// so cmd/luci stays a thin wrapper.
func RegisterFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.StringArray("library-path", nil, "add DIR to the library search path (repeatable)")
	f.StringArray("preload", nil, "force-load LIB before resolving the main binary's dependencies (repeatable)")
	f.StringArray("exclude", nil, "never load LIB (repeatable)")
	f.Bool("bind-now", false, "mark loaded identities bind-now (PLT entries are resolved eagerly whether or not this is set)")
	f.Bool("update", false, "enable dynamic software updating for this run")
	f.Bool("force", false, "bypass patchability checks")
	f.String("detect-outdated", "userfaultfd", "outdated-access detector: disabled|userfaultfd|uprobes|uprobes_deps|ptrace")
	f.String("update-mode", "GOT", "redirection scope for an update: GOT|CODEREL|CODEREL_LOCALINT")
	f.String("trap", "int3", "trap instruction name (the redirect engine installs int3 regardless of this value)")
	f.Bool("dbgsym", false, "accepted for compatibility; split debug symbols are not loaded")
	f.String("statusinfo", "", "write the status-info stream to FILE")
	f.String("debughash", "", "URI of an external debug-hash oracle")
	f.String("compat-policy", "", "path to a JavaScript compatibility-policy hook")
	f.Bool("stop-on-update", false, "log a startup event with the pid; the process is not paused")
	f.Bool("show-args", false, "log argv on startup")
	f.Bool("show-env", false, "log envp on startup")
	f.Bool("show-auxv", false, "log the auxiliary vector on startup")
	f.String("logfile", "", "accepted for compatibility; logs still go to stderr")
	f.Int("verbosity", 0, "log verbosity level")
}
