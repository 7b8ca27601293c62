package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/c35s/vcap/config"
	"github.com/c35s/vcap/dma"
	"github.com/c35s/vcap/uio"
	"github.com/spf13/cobra"
)

func newInfoCmd(a *app) *cobra.Command {
	var probe bool

	cmd := &cobra.Command{
		Use:   "info",
		Short: "Show the configured engines and, with --probe, the host resources",
		Args:  cobra.NoArgs,

		RunE: func(cmd *cobra.Command, _ []string) error {
			w := cmd.OutOrStdout()
			if err := printEngines(w, a.cfg); err != nil {
				return err
			}

			if probe {
				printHardware(w, a.cfg)
			}

			return nil
		},
	}

	cmd.Flags().BoolVar(&probe, "probe", false, "open the UIO devices and DMA regions and describe them")
	return cmd
}

func printEngines(w io.Writer, cfg *config.Config) error {
	dc, err := cfg.Device(nil)
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 8, 2, ' ', 0)
	fmt.Fprintln(tw, "ENGINE\tFAMILY\tDIR\tCHANNEL\tWINDOW\tIRQ\tBAR")

	for _, e := range dc.Engines {
		bar := cfg.Hardware.BARs[e.BAR]
		fmt.Fprintf(tw, "%s\t%v\t%v\t%d\t%#x\t%d\t%d\n", e.Name, e.Family, e.Dir, e.Channel, e.Window, e.IRQ, bar)
	}

	return tw.Flush()
}

// printHardware describes what it can open and notes what it cannot.
func printHardware(w io.Writer, cfg *config.Config) {
	for line, name := range cfg.Hardware.IRQs {
		d, err := uio.Open(name)
		if err != nil {
			fmt.Fprintf(w, "irq %d: %s: %v\n", line, name, err)
			continue
		}

		info, err := d.Info()
		d.Close()

		if err != nil {
			fmt.Fprintf(w, "irq %d: %s: %v\n", line, name, err)
			continue
		}

		fmt.Fprintf(w, "irq %d: %s: %s %s, %s interrupts\n", line, name, info.Name, info.Version, info.Event)
	}

	for _, n := range cfg.Hardware.BARs {
		bar, err := uio.OpenBAR(cfg.Hardware.UIO, n)
		if err != nil {
			fmt.Fprintf(w, "bar %d: %v\n", n, err)
			continue
		}

		fmt.Fprintf(w, "bar %d: %d bytes\n", n, bar.Len())
		bar.Close()
	}

	for _, name := range []string{cfg.Hardware.Descriptors, cfg.Hardware.Pool} {
		if name == "" {
			continue
		}

		r, err := dma.Open(name)
		if err != nil {
			fmt.Fprintf(w, "region %s: %v\n", name, err)
			continue
		}

		fmt.Fprintf(w, "region %s: %d bytes at %#x\n", name, r.Len(), r.Addr)
		r.Close()
	}
}
