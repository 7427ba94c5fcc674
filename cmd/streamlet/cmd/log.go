package cmd

import (
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/blockberries/streamberry/wal"
)

var logCmd = &cobra.Command{
	Use:   "log",
	Short: "Print the records of a node's message log",
	RunE:  printLog,
}

func init() {
	logCmd.Flags().String("wal-dir", "", "directory given to run --wal-dir")
	logCmd.Flags().String("node", "node0", "node whose log to print")
	logCmd.Flags().Uint64("after", 0, "skip everything up to the end of this epoch")

	rootCmd.AddCommand(logCmd)
}

func printLog(cmd *cobra.Command, _ []string) error {
	v, err := loadSettings(cmd)
	if err != nil {
		return err
	}
	if v.GetString("wal-dir") == "" {
		return errors.New("--wal-dir is required")
	}
	dir := filepath.Join(v.GetString("wal-dir"), v.GetString("node"))

	var r wal.Reader
	if after := v.GetUint64("after"); after > 0 {
		w, err := wal.NewFileWAL(dir)
		if err != nil {
			return err
		}
		if err := w.Start(); err != nil {
			return err
		}
		defer w.Stop()
		found := false
		r, found, err = w.SearchForEndEpoch(after)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("epoch %d does not end in %s (%d segments)", after, dir, w.SegmentCount())
		}
	} else {
		r, err = wal.OpenWALForReading(dir)
		if err != nil {
			return err
		}
	}
	defer r.Close()

	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "EPOCH\tRECORD\tMESSAGES")
	for {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			break
		}
		if err != nil {
			return err
		}
		detail := ""
		if rec.Type == wal.MsgTypeDelivery {
			msgs, err := wal.DecodeDelivery(rec)
			if err != nil {
				return err
			}
			parts := make([]string, len(msgs))
			for i, m := range msgs {
				parts[i] = m.String()
			}
			detail = strings.Join(parts, " ")
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\n", rec.Epoch, rec.Type, detail)
	}
	return tw.Flush()
}
