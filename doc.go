// Package crashtracker captures fatal signals and unrecovered panics in a
// Go process and ships a crash report to a separate receiver process.
//
// A host calls Init once at startup with the collector configuration and
// either a receiver binary to spawn or the unix socket of a receiver that
// is already running. From then on a crash streams signal info, operation
// counters, active span and trace ids, stack traces and configured files
// to the receiver, which assembles, symbolizes and uploads the report.
//
//	err := crashtracker.Init(cfg, &crashtracker.ReceiverConfig{
//		PathToReceiverBinary: "/usr/local/bin/crashtracker",
//		Args:                 []string{"receiver"},
//	}, crashtracker.Metadata{LibraryName: "mylib", LibraryVersion: "1.0.0", Family: "go"})
//
// Panics on goroutines other than main are only seen when the goroutine
// defers Guard:
//
//	go func() {
//		defer crashtracker.Guard()
//		work()
//	}()
package crashtracker
