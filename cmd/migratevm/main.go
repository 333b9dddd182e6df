// Command migratevm is the CLI wrapper around the live-migration engine
// (§6: "CLI surface (out-of-scope wrapper, included for completeness of
// observable contract)"). It owns exactly what the engine itself does
// not: argument parsing, logging setup and credential loading (§1
// Non-goals), plus dialing the pre-authenticated RemoteExec channels the
// engine consumes.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/crypto/ssh"

	"github.com/kubev2v/igvm/internal/config"
	"github.com/kubev2v/igvm/internal/hypervisor"
	"github.com/kubev2v/igvm/internal/inventory"
	"github.com/kubev2v/igvm/internal/models"
	"github.com/kubev2v/igvm/internal/orchestrator"
	"github.com/kubev2v/igvm/internal/remoteexec"
	igvmerrors "github.com/kubev2v/igvm/pkg/errors"
)

// Exit codes distinguish "bad input/state" from "ran and failed
// mid-flight" per SPEC_FULL §6.
const (
	exitOK                 = 0
	exitOperationFailed    = 1
	exitInvalidStateOrArgs = 2
)

func main() {
	var (
		cfgPath   string
		offline   bool
		newIP     string
		runPuppet bool
	)

	cfg := config.NewConfigurationWithOptionsAndDefaults()

	root := &cobra.Command{
		Use:   "migratevm <vm_hostname> <destination>",
		Short: "Live- or offline-migrate a VM between two hypervisors",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg, args[0], args[1], orchestrator.Options{
				Offline:   offline,
				NewIP:     newIP,
				RunPuppet: runPuppet,
			})
		},
	}

	flags := root.Flags()
	flags.BoolVar(&offline, "offline", false, "shut the VM down before migrating instead of a live hand-off")
	flags.StringVar(&newIP, "newip", "", "reassign the VM's IP during migration (requires --offline and --runpuppet)")
	flags.BoolVar(&runPuppet, "runpuppet", false, "regenerate config via puppet on the destination (offline path only)")
	cfg.Auth.SSHKeyPath = filepath.Join(os.Getenv("HOME"), ".ssh", "id_rsa")
	flags.StringVar(&cfg.Auth.SSHKeyPath, "ssh-key", cfg.Auth.SSHKeyPath, "private key used to authenticate the RemoteExec channel")
	flags.StringVar(&cfgPath, "config", "", "path to a migratevm config file (yaml/json/toml)")
	flags.StringVar(&cfg.Agent.DataFolder, "data-folder", cfg.Agent.DataFolder, "path to the local inventory DuckDB file")
	flags.StringVar(&cfg.Agent.StoragePool, "storage-pool", cfg.Agent.StoragePool, "libvirt storage pool name")
	flags.StringVar(&cfg.Remote.SSHUser, "ssh-user", cfg.Remote.SSHUser, "user for the RemoteExec channel")
	flags.IntVar(&cfg.Remote.SSHPort, "ssh-port", cfg.Remote.SSHPort, "SSH port on each hypervisor")
	flags.DurationVar(&cfg.Remote.SyncTimeout, "sync-timeout", cfg.Remote.SyncTimeout, "ceiling on the whole migration, not only wait_for_sync (0 = unbounded)")
	flags.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "zap log level")
	flags.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "console or json")

	if err := viper.BindPFlags(flags); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitOperationFailed)
	}

	if err := loadConfigFile(cfgPath, cfg); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitOperationFailed)
	}

	if err := initLogger(cfg); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitOperationFailed)
	}
	defer zap.L().Sync() //nolint:errcheck

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	root.SetContext(ctx)

	if err := root.Execute(); err != nil {
		exitWith(err)
	}
}

// loadConfigFile layers an optional config file (via viper) under the
// flag-sourced values already set on cfg. It is a no-op when path is
// empty and no config file is discovered.
func loadConfigFile(path string, cfg *config.Configuration) error {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("migratevm")
		v.AddConfigPath(".")
		v.AddConfigPath(filepath.Join(os.Getenv("HOME"), ".config", "migratevm"))
	}
	if err := v.ReadInConfig(); err != nil {
		if _, notFound := err.(viper.ConfigFileNotFoundError); notFound || path == "" {
			return nil
		}
		return fmt.Errorf("read config file: %w", err)
	}
	return v.Unmarshal(cfg)
}

func initLogger(cfg *config.Configuration) error {
	level, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("parse log level %q: %w", cfg.LogLevel, err)
	}

	zapCfg := zap.NewProductionConfig()
	if cfg.LogFormat == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	}
	zapCfg.Level = zap.NewAtomicLevelAt(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	zap.ReplaceGlobals(logger)
	return nil
}

// run wires the concrete adapters (SSH transport, libvirt proxies, the
// local SQLInventory) around the engine and drives a single migration.
func run(ctx context.Context, cfg *config.Configuration, vmHostname, destHostname string, opts orchestrator.Options) error {
	db, err := inventory.NewDB(cfg.Agent.DataFolder)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := inventory.Migrate(ctx, db); err != nil {
		return err
	}
	inv := inventory.NewSQLInventory(db)
	registry := models.NewRegistry(inv, inv)

	vm := registry.VM(vmHostname)
	sourceHV, err := vm.Hypervisor(ctx)
	if err != nil {
		return err
	}

	signer, err := loadSigner(cfg.Auth.SSHKeyPath)
	if err != nil {
		return err
	}
	clientCfg := &ssh.ClientConfig{
		User:            cfg.Remote.SSHUser,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(), //nolint:gosec // host key verification is a deployment concern, out of scope (§1)
		Timeout:         10 * time.Second,
	}

	sourceProxy, err := dialProxy(ctx, sourceHV, cfg, clientCfg)
	if err != nil {
		return err
	}
	defer sourceProxy.Close()

	destHV := registry.Hypervisor(destHostname)
	destProxy, err := dialProxy(ctx, destHV, cfg, clientCfg)
	if err != nil {
		return err
	}
	defer destProxy.Close()

	ep := orchestrator.Endpoints{Source: sourceProxy, Destination: destProxy}
	if !opts.Offline {
		if running, rerr := sourceProxy.VMRunning(ctx, vm); rerr == nil && running {
			if guestIP, ierr := vm.InternIP(ctx); ierr == nil && guestIP != "" {
				if guestClient := mustDial(guestIP, cfg.Remote.SSHPort, clientCfg); guestClient != nil {
					ep.GuestChannel = remoteexec.NewSSHChannel(guestIP, guestClient)
				}
			}
		}
	}

	orch := orchestrator.New(inv, registry)

	if cfg.Remote.SyncTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Remote.SyncTimeout)
		defer cancel()
	}

	if err := orch.Migrate(ctx, vmHostname, destHostname, ep, opts); err != nil {
		return err
	}

	memSummary := ""
	if mem, merr := vm.MemoryMiB(ctx); merr == nil {
		memSummary = fmt.Sprintf(" (%s memory)", models.FormatMiB(mem))
	}
	color.Green("%s migrated to %s%s", vmHostname, destHostname, memSummary)
	return nil
}

func dialProxy(ctx context.Context, hv *models.Hypervisor, cfg *config.Configuration, clientCfg *ssh.ClientConfig) (*hypervisor.LibvirtProxy, error) {
	hostname := hv.Hostname()
	client, err := ssh.Dial("tcp", fmt.Sprintf("%s:%d", hostname, cfg.Remote.SSHPort), clientCfg)
	if err != nil {
		return nil, igvmerrors.NewRemoteExecError(hostname, "ssh dial", err, "")
	}
	channel := remoteexec.NewSSHChannel(hostname, client)

	hvType, err := hv.Type(ctx)
	if err != nil {
		hvType = models.HypervisorKVM
	}
	return hypervisor.Dial(hostname, hvType, channel, cfg.Agent.StoragePool)
}

func mustDial(hostname string, port int, clientCfg *ssh.ClientConfig) *ssh.Client {
	client, err := ssh.Dial("tcp", fmt.Sprintf("%s:%d", hostname, port), clientCfg)
	if err != nil {
		zap.S().Warnw("could not open guest channel for block-size reconciliation", "host", hostname, "error", err)
		return nil
	}
	return client
}

func loadSigner(path string) (ssh.Signer, error) {
	key, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read ssh key %q: %w", path, err)
	}
	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("parse ssh key %q: %w", path, err)
	}
	return signer, nil
}

func exitWith(err error) {
	color.Red("migratevm: %v", err)
	switch {
	case igvmerrors.IsWarning(err):
		os.Exit(exitOK)
	case igvmerrors.IsInvalidStateError(err), igvmerrors.IsInconsistentAttributeError(err):
		os.Exit(exitInvalidStateOrArgs)
	default:
		os.Exit(exitOperationFailed)
	}
}
