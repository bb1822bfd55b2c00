package cli

import (
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/kochman/netblock"
	"github.com/kochman/netblock/backends/file"
	"github.com/kochman/netblock/backends/gcs"
	"github.com/kochman/netblock/internal"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
)

func StatCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "stat <device>",
		Short: "Show the size of a device",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dev, err := openDevice(cmd, args[0])
			if err != nil {
				return err
			}
			defer dev.Close()

			kb, err := dev.Stat()
			if err != nil {
				return fmt.Errorf("unable to stat: %w", err)
			}
			data := pterm.TableData{
				{"Device", "KB", "Sectors"},
				{args[0], strconv.FormatUint(uint64(kb), 10), strconv.FormatUint(uint64(kb)*1024/netblock.SectorSize, 10)},
			}
			table, err := pterm.DefaultTable.WithHasHeader().WithData(data).Srender()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), table)
			return nil
		},
	}
}

type rangeOpts struct {
	sector uint32
	count  uint32
	path   string
}

func ReadCommand() *cobra.Command {
	var opts rangeOpts

	cmd := &cobra.Command{
		Use:   "read <device>",
		Short: "Copy sectors from a device to a file or stdout",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.count == 0 {
				return fmt.Errorf("--count must be at least 1")
			}
			dev, err := openDevice(cmd, args[0])
			if err != nil {
				return err
			}
			defer dev.Close()

			p := make([]byte, int(opts.count)*netblock.SectorSize)
			n, err := dev.Read(opts.sector, opts.count, p)
			if err != nil {
				return fmt.Errorf("unable to read: %w", err)
			}

			out := cmd.OutOrStdout()
			if opts.path != "-" {
				f, err := os.Create(opts.path)
				if err != nil {
					return fmt.Errorf("unable to create output: %w", err)
				}
				defer f.Close()
				out = f
			}
			if _, err := out.Write(p[:n]); err != nil {
				return fmt.Errorf("unable to write output: %w", err)
			}
			internal.Debug("sectors read", internal.Fields{
				internal.FieldPath:    args[0],
				internal.FieldSector:  opts.sector,
				internal.FieldSectors: opts.count,
			})
			return nil
		},
	}
	cmd.Flags().Uint32Var(&opts.sector, "sector", 0, "First sector")
	cmd.Flags().Uint32Var(&opts.count, "count", 1, "Number of sectors")
	cmd.Flags().StringVarP(&opts.path, "out", "o", "-", "Output file, - for stdout")
	return cmd
}

func WriteCommand() *cobra.Command {
	var opts rangeOpts

	cmd := &cobra.Command{
		Use:   "write <device>",
		Short: "Copy a file or stdin onto a device",
		Long:  "Copy a file or stdin onto a device. The input must be whole sectors.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in := cmd.InOrStdin()
			if opts.path != "-" {
				f, err := os.Open(opts.path)
				if err != nil {
					return fmt.Errorf("unable to open input: %w", err)
				}
				defer f.Close()
				in = f
			}
			p, err := io.ReadAll(in)
			if err != nil {
				return fmt.Errorf("unable to read input: %w", err)
			}
			if len(p) == 0 || len(p)%netblock.SectorSize != 0 {
				return fmt.Errorf("input is %d bytes, not a positive multiple of %d", len(p), netblock.SectorSize)
			}

			dev, err := openDevice(cmd, args[0])
			if err != nil {
				return err
			}
			defer dev.Close()

			count := uint32(len(p) / netblock.SectorSize)
			if _, err := dev.Write(opts.sector, count, p); err != nil {
				return fmt.Errorf("unable to write: %w", err)
			}
			if err := dev.Flush(); err != nil {
				return fmt.Errorf("unable to flush: %w", err)
			}
			pterm.Success.WithWriter(cmd.ErrOrStderr()).Printfln("wrote %d sectors at %d", count, opts.sector)
			return nil
		},
	}
	cmd.Flags().Uint32Var(&opts.sector, "sector", 0, "First sector")
	cmd.Flags().StringVarP(&opts.path, "in", "i", "-", "Input file, - for stdin")
	return cmd
}

func FlushCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "flush <device>",
		Short: "Ask a device to commit buffered writes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dev, err := openDevice(cmd, args[0])
			if err != nil {
				return err
			}
			defer dev.Close()
			if err := dev.Flush(); err != nil {
				return fmt.Errorf("unable to flush: %w", err)
			}
			return nil
		},
	}
}

func PoweroffCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "poweroff <device>",
		Short: "Power off the machine behind a remote device",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dev, err := openDevice(cmd, args[0])
			if err != nil {
				return err
			}
			defer dev.Close()
			if err := dev.Poweroff(); err != nil {
				return fmt.Errorf("unable to power off: %w", err)
			}
			pterm.Success.WithWriter(cmd.ErrOrStderr()).Printfln("poweroff sent to %s", args[0])
			return nil
		},
	}
}

type createOpts struct {
	size     int64
	bandSize int64
}

func CreateCommand() *cobra.Command {
	var opts createOpts

	cmd := &cobra.Command{
		Use:   "create <image>",
		Short: "Create a zero-filled image, locally or as gs://bucket/image",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.size <= 0 || opts.bandSize <= 0 {
				return fmt.Errorf("--size and --band-size must be positive")
			}

			var dev netblock.Device
			if bucket, image, ok := gcs.ParsePath(args[0]); ok {
				credentials := getSettings(cmd).GetString(internal.KeyGCSCredentials)
				b, err := gcs.NewBackend(cmd.Context(), bucket, credentials)
				if err != nil {
					return err
				}
				defer b.Close()
				h, err := b.Create(image, uint64(opts.size), uint64(opts.bandSize))
				if err != nil {
					return fmt.Errorf("unable to create %s: %w", args[0], err)
				}
				dev = h
			} else {
				h, err := file.Create(args[0], opts.size)
				if err != nil {
					return fmt.Errorf("unable to create %s: %w", args[0], err)
				}
				dev = h
			}
			defer dev.Close()

			kb, err := dev.Stat()
			if err != nil {
				return fmt.Errorf("unable to stat: %w", err)
			}
			pterm.Success.WithWriter(cmd.ErrOrStderr()).Printfln("created %s (%d KB)", args[0], kb)
			return nil
		},
	}
	cmd.Flags().Int64Var(&opts.size, "size", 0, "Image size in bytes, a multiple of 512")
	cmd.Flags().Int64Var(&opts.bandSize, "band-size", gcs.DefaultBandSize, "Band object size in bytes (gs:// only)")
	cmd.MarkFlagRequired("size")
	return cmd
}
