package main

import (
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"runtime"
	"strconv"
	"strings"

	"gioui.org/app"
	"github.com/esimov/expofuse"
	"github.com/esimov/expofuse/compute"
	"github.com/esimov/expofuse/compute/opencl"
	"github.com/esimov/expofuse/compute/software"
	"github.com/esimov/expofuse/fusion"
	"github.com/esimov/expofuse/utils"
	"github.com/olekukonko/tablewriter"
)

const HelpBanner = `
┌─┐─┐ ┬┌─┐┌─┐┌─┐┬ ┬┌─┐┌─┐
├┤ ┌┴┬┘├─┘│ │├┤ │ │└─┐├┤
└─┘┴ └─┴  └─┘└  └─┘└─┘└─┘

Exposure fusion of bracketed images on OpenCL devices.
    Version: %s

Usage: expofuse [flags] [images...]

`

// pipeName is the file name that indicates stdin/stdout is being used.
const pipeName = "-"

// Version indicates the current build version.
var Version string

// inputList collects the repeated -in flags.
type inputList []string

func (l *inputList) String() string { return strings.Join(*l, ",") }

func (l *inputList) Set(v string) error {
	*l = append(*l, v)
	return nil
}

var (
	// Flags
	inputs      inputList
	directory   = flag.String("dir", "", "Directory with the source images")
	destination = flag.String("out", pipeName, "Destination file or directory")
	contrast    = flag.Float64("contrast", 1, "Contrast weight exponent")
	saturation  = flag.Float64("saturation", 1, "Saturation weight exponent")
	exposedness = flag.Float64("exposedness", 1, "Well-exposedness weight exponent")
	deviceIndex = flag.Int("device", -1, "Compute device index, see -devices (default: first usable GPU)")
	devices     = flag.Bool("devices", false, "List the usable compute devices")
	estimate    = flag.Bool("estimate", false, "Print the device memory needed by the job and exit")
	preview     = flag.Bool("preview", false, "Show the fused image in a window")
	format      = flag.String("format", "jpg", "Output format for pipes and directories: "+strings.Join(expofuse.SupportedFormats, ", "))
	quality     = flag.Int("quality", expofuse.DefaultQuality, "jpeg and webp quality (100 is lossless webp)")
	workers     = flag.Int("conc", runtime.NumCPU(), "Number of images decoded concurrently")
	verbose     = flag.Bool("v", false, "Verbose logging")
)

func main() {
	log.SetFlags(0)

	flag.Var(&inputs, "in", "Source image, file path or URL (repeatable)")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, HelpBanner, Version)
		flag.PrintDefaults()
	}
	flag.Parse()
	inputs = append(inputs, flag.Args()...)

	if *verbose {
		expofuse.SetLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelDebug,
		})))
	}

	all, usable := loadDevices()
	if *devices {
		printDevices(usable)
		return
	}

	dev, err := selectDevice(usable, *deviceIndex)
	if err != nil {
		log.Fatalf(utils.DecorateText("%v", utils.ErrorMessage), err)
	}
	if compute.CPUFallbackWarning(dev, all) {
		fmt.Fprintln(os.Stderr, utils.DecorateText(
			"Warning: a GPU is available but the fusion runs on "+dev.Name()+", which may be considerably slower.",
			utils.WarningMessage,
		))
	}
	expofuse.Logger().Info("compute device selected", "device", dev.Name(), "type", dev.Type())

	proc := &expofuse.Processor{
		Device: dev,
		Params: fusion.Params{
			Contrast:    float32(*contrast),
			Saturation:  float32(*saturation),
			Exposedness: float32(*exposedness),
		},
		Format:  *format,
		Quality: *quality,
		Workers: *workers,
		Preview: *preview,
	}
	if err := proc.Params.Validate(); err != nil {
		log.Fatalf(utils.DecorateText("%v", utils.ErrorMessage), err)
	}

	op := &expofuse.Ops{
		Inputs:   inputs,
		Dir:      *directory,
		Dst:      *destination,
		PipeName: pipeName,
	}
	if len(op.Inputs) == 0 && op.Dir == "" {
		flag.Usage()
		log.Fatal(utils.DecorateText("\nPlease provide at least one source image with -in, -dir or as an argument!", utils.ErrorMessage))
	}

	if *estimate {
		err := printEstimate(os.Stderr, proc, op)
		proc.Close()
		if err != nil {
			log.Fatalf(utils.DecorateText("Unable to estimate the memory usage: %v", utils.ErrorMessage), err)
		}
		return
	}

	// The preview window needs the main goroutine, so the job runs on a
	// separate one while app.Main drives the window.
	if *preview {
		go func() {
			os.Exit(run(proc, op))
		}()
		app.Main()
	}
	os.Exit(run(proc, op))
}

func run(proc *expofuse.Processor, op *expofuse.Ops) int {
	defer proc.Close()

	if err := proc.Execute(op); err != nil {
		fmt.Fprintf(os.Stderr, "%s%s",
			utils.DecorateText("\nError fusing the images: ", utils.ErrorMessage),
			utils.DecorateText(fmt.Sprintf("\n\tReason: %v\n", err), utils.DefaultMessage),
		)
		return 1
	}
	return 0
}

// loadDevices returns every device found and the usable ones, GPUs first.
// The software device is always available as the last resort.
func loadDevices() (all, usable []compute.Device) {
	devs, err := opencl.Devices()
	if err != nil {
		expofuse.Logger().Debug("OpenCL devices unavailable", "error", err)
	}
	all = append(devs, software.NewPlatform().Devices()...)
	return all, compute.SelectDevices(all)
}

func selectDevice(usable []compute.Device, index int) (compute.Device, error) {
	if len(usable) == 0 {
		return nil, fmt.Errorf("no usable compute device found")
	}
	if index < 0 {
		return usable[0], nil
	}
	if index >= len(usable) {
		return nil, fmt.Errorf("invalid device index %d, %d devices available (see -devices)", index, len(usable))
	}
	return usable[index], nil
}

func printDevices(usable []compute.Device) {
	var data [][]string
	for i, dev := range usable {
		caps, err := compute.Probe(dev)
		if err != nil {
			expofuse.Logger().Warn("device query failed", "device", dev.Name(), "error", err)
			continue
		}
		data = append(data, []string{
			strconv.Itoa(i),
			caps.Name,
			caps.Type.String(),
			utils.HumanBytes(caps.GlobalMemSize),
			fmt.Sprintf("%dx%d", caps.MaxImageSize.X, caps.MaxImageSize.Y),
			strconv.Itoa(caps.MaxWorkGroupSize),
		})
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"INDEX", "NAME", "TYPE", "MEMORY", "MAX IMAGE", "WORK GROUP"})
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	table.AppendBulk(data)
	table.Render()
}

func printEstimate(w io.Writer, proc *expofuse.Processor, op *expofuse.Ops) error {
	est, err := proc.EstimateInputs(op)
	if err != nil {
		return err
	}
	msgType := utils.SuccessMessage
	if est.Bytes > est.DeviceMemory {
		msgType = utils.ErrorMessage
	}
	fmt.Fprintf(w, "Working size: %s\n",
		utils.DecorateText(fmt.Sprintf("%dx%d", est.Size.X, est.Size.Y), utils.StatusMessage),
	)
	fmt.Fprintf(w, "Memory usage: %s / %s (%s)\n",
		utils.DecorateText(utils.HumanBytes(est.Bytes), msgType),
		utils.HumanBytes(est.DeviceMemory),
		utils.DecorateText(fmt.Sprintf("%.2f%%", est.Usage()), msgType),
	)
	return nil
}
