// Ivory CLI - loads a program snapshot and runs it to completion.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/tliron/commonlog"

	"github.com/chazu/ivory/vm"

	_ "github.com/tliron/commonlog/simple"
)

var log = commonlog.GetLogger("ivory")

func main() {
	configPath := flag.String("config", "", "TOML configuration file")
	snapshotPath := flag.String("snapshot", "", "Program snapshot file")
	storePath := flag.String("store", "", "Snapshot store database")
	name := flag.String("name", "", "Snapshot name in the store (used with -store)")
	verbosity := flag.Int("v", 0, "Log verbosity")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: ivory [options]\n\n")
		fmt.Fprintf(os.Stderr, "Runs an ivory program snapshot.\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  ivory -snapshot app.ivs\n")
		fmt.Fprintf(os.Stderr, "  ivory -store snapshots.db -name app\n")
	}
	flag.Parse()

	commonlog.Configure(*verbosity, nil)

	config := vm.DefaultConfig()
	if *configPath != "" {
		loaded, err := vm.LoadConfig(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
			os.Exit(2)
		}
		config = loaded
	}

	data, err := readSnapshot(*snapshotPath, *storePath, *name)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading snapshot: %v\n", err)
		os.Exit(2)
	}

	program, entry, err := vm.LoadSnapshot(data)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading snapshot: %v\n", err)
		os.Exit(2)
	}

	vm.FFISetup()

	process := vm.NewProcess(program)
	config.Apply(process)
	process.SetupEntry(entry)

	code := run(process)
	vm.FFITearDown()
	os.Exit(code)
}

func readSnapshot(snapshotPath, storePath, name string) ([]byte, error) {
	switch {
	case snapshotPath != "":
		return os.ReadFile(snapshotPath)
	case storePath != "" && name != "":
		store, err := vm.OpenSnapshotStore(storePath)
		if err != nil {
			return nil, err
		}
		defer store.Close()
		return store.GetByName(name)
	}
	return nil, fmt.Errorf("either -snapshot or -store with -name is required")
}

// run drives the interpret loop, handling each surrender reason until
// the process terminates.
func run(process *vm.Process) int {
	interp := vm.NewInterpreter(process)
	for {
		interp.Run()
		switch interp.Interruption() {
		case vm.Terminate:
			return 0
		case vm.Yield:
			// A real scheduler would run other processes here.
		case vm.TargetYield:
			port := interp.Target()
			for _, message := range port.Drain() {
				log.Infof("port message: %s", process.Program().ValueString(message))
			}
			port.Unlock()
		case vm.Breakpoint:
			log.Info("breakpoint hit, resuming")
		case vm.Interrupt:
			log.Error("process interrupted: stack limit reached")
			return 3
		case vm.UncaughtException:
			return 1
		}
	}
}
