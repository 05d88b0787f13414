// Command cccp reliably copies a file, directory, or symlink tree onto a
// destination that may lie across several layers of caching (page cache,
// filesystem, USB mass storage), detecting and repairing any silent
// corruption by re-reading the destination with the cache forced out of the
// way between rounds.
package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/symphorien/cccp/cmd"
	"github.com/symphorien/cccp/internal/cache"
	"github.com/symphorien/cccp/internal/cccpconfig"
	"github.com/symphorien/cccp/internal/convergence"
	"github.com/symphorien/cccp/internal/environment"
	"github.com/symphorien/cccp/internal/logging"
	"github.com/symphorien/cccp/internal/progress"
	"github.com/symphorien/cccp/internal/runid"
)

var log = logging.RootLogger.Sublogger("cccp")

var rootConfiguration struct {
	once  bool
	mode  string
	debug bool
}

var rootCommand = &cobra.Command{
	Use:   "cccp SOURCE DEST",
	Short: "Copy with verification, retrying until the destination matches the source",
	Args:  cobra.ExactArgs(2),
	Run:   cmd.Mainify(run),
}

func init() {
	flags := rootCommand.Flags()
	flags.BoolVarP(&rootConfiguration.once, "once", "1", false, "bail out after a single fix round if not converged")
	flags.StringVarP(&rootConfiguration.mode, "mode", "m", "", "cache-eviction policy: vm, directio, umount, or usbreset (default directio)")
	flags.BoolVar(&rootConfiguration.debug, "debug", false, "enable verbose logging")
}

func run(command *cobra.Command, arguments []string) error {
	if rootConfiguration.debug {
		logging.DebugEnabled = true
	}

	configPath, err := cccpconfig.DefaultPath()
	var cfg cccpconfig.Config
	if err == nil {
		cfg, err = cccpconfig.Load(configPath)
	}
	if err != nil {
		cmd.Warning(errors.Wrap(err, "loading config file").Error())
	}

	mode := cache.DefaultMode
	if cfg.Mode != "" {
		mode = cfg.Mode
	}
	if rootConfiguration.mode != "" {
		mode = cache.ModeName(rootConfiguration.mode)
	}

	once := cfg.Once || rootConfiguration.once

	id := runid.New()
	log.Printf("run %s: %s -> %s (mode=%s, once=%v)", id, arguments[0], arguments[1], mode, once)

	if requiresConfirmation(mode) {
		if err := confirm(arguments[1], mode); err != nil {
			return err
		}
	}

	policy, err := cache.New(mode, logging.RootLogger)
	if err != nil {
		return err
	}

	return convergence.Run(convergence.Options{
		Source:      arguments[0],
		Destination: arguments[1],
		Policy:      policy,
		Progress:    progress.New(),
		Once:        once,
	})
}

// requiresConfirmation reports whether mode can temporarily yank media out
// from under the rest of the system (unmounting or resetting a USB bus),
// warranting an explicit yes/no before proceeding.
func requiresConfirmation(mode cache.ModeName) bool {
	if environment.NoRootOverride() {
		return false
	}
	return mode == cache.ModeUmount || mode == cache.ModeUSBReset
}

func confirm(destination string, mode cache.ModeName) error {
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return errors.Errorf("refusing to run %s mode non-interactively without confirmation; rerun with CCCP_NO_ROOT set for tests", mode)
	}
	fmt.Fprintf(os.Stderr, "%s mode will unmount and reset the device backing %s. Continue? [y/N] ", mode, destination)
	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil {
		return errors.Wrap(err, "reading confirmation")
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	if answer != "y" && answer != "yes" {
		return errors.New("aborted by user")
	}
	return nil
}

func main() {
	if err := rootCommand.Execute(); err != nil {
		log.Error(err)
		os.Exit(1)
	}
}
