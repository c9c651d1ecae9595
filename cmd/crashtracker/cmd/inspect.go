package cmd

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/hugo-lorenzo-mato/crashtracker/internal/crashinfo"
	"github.com/hugo-lorenzo-mato/crashtracker/internal/receiver"
)

var inspectCmd = &cobra.Command{
	Use:   "inspect <file>",
	Short: "Show a crash report",
	Long: `Print a crash report file in a readable form. Use "-" to read standard
input.

With --stream the input is a raw crash stream as written by the collector
(for example the output of a receiver that was "cat > file"); it is parsed
the same way the receiver would parse it.

Examples:
  crashtracker inspect /tmp/crashtracker/report.json
  crashtracker inspect --format yaml report.json
  crashtracker inspect --stream captured.txt`,
	Args: cobra.ExactArgs(1),
	RunE: runInspect,
}

var (
	inspectFormat    string
	inspectStream    bool
	inspectMaxFrames int
)

func init() {
	rootCmd.AddCommand(inspectCmd)
	inspectCmd.Flags().StringVarP(&inspectFormat, "format", "f", "text", "output format (text, json, yaml)")
	inspectCmd.Flags().BoolVar(&inspectStream, "stream", false, "input is a raw crash stream")
	inspectCmd.Flags().IntVar(&inspectMaxFrames, "max-frames", 32, "frames shown per stack in text output (0 for all)")
}

func runInspect(cmd *cobra.Command, args []string) error {
	report, err := loadReport(cmd, args[0])
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if inspectFormat == "text" {
		renderReport(out, report, newStyles(plainOutput(out)), inspectMaxFrames)
		return nil
	}
	return writeStructured(out, inspectFormat, report)
}

func loadReport(cmd *cobra.Command, path string) (*crashinfo.CrashInfo, error) {
	var in io.Reader = cmd.InOrStdin()
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		in = f
	}

	if !inspectStream {
		data, err := io.ReadAll(in)
		if err != nil {
			return nil, err
		}
		return crashinfo.Decode(data)
	}

	// Only a missing config section is reported as an error, and such a
	// stream is still worth showing.
	out, _ := receiver.ReceiveReport(cmd.Context(), in, 0)
	if out.Kind == receiver.NoCrash {
		return nil, fmt.Errorf("%s holds no crash report", path)
	}
	return out.Report, nil
}

// plainOutput reports whether w should get unstyled text.
func plainOutput(w io.Writer) bool {
	if noColor || os.Getenv("NO_COLOR") != "" {
		return true
	}
	f, ok := w.(*os.File)
	return !ok || !term.IsTerminal(int(f.Fd()))
}
