package expofuse

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"
	"time"

	"github.com/esimov/expofuse/utils"
	"github.com/pkg/errors"
	"golang.org/x/term"
)

// Ops describes where the source images come from and where the fused
// image goes.
type Ops struct {
	// Inputs are file paths, URLs or PipeName for stdin.
	Inputs []string
	// Dir is walked recursively for images with a supported extension.
	Dir string
	// Dst is a file, a directory or PipeName for stdout. In a directory
	// the file is named after the inputs, see OutputName.
	Dst      string
	PipeName string
}

// source is an opened input.
type source struct {
	r io.Reader
	// close releases the file and removes downloaded copies.
	close func()
}

// Execute resolves the inputs, fuses them and writes the result.
func (p *Processor) Execute(op *Ops) error {
	if p.Spinner == nil {
		p.Spinner = utils.NewSpinner("", time.Millisecond*80, true)
	}
	now := time.Now()

	paths, err := op.collectInputs()
	if err != nil {
		return err
	}
	p.Spinner.SetMessage(fmt.Sprintf("%s %s",
		utils.DecorateText("⚡ EXPOFUSE", utils.StatusMessage),
		utils.DecorateText(fmt.Sprintf("⇢ fusing %d exposures...", len(paths)), utils.DefaultMessage),
	))
	srcs, err := op.openInputs(paths)
	defer func() {
		for _, s := range srcs {
			s.close()
		}
	}()
	if err != nil {
		return err
	}

	dst, name, err := op.openDestination(paths, p.Format)
	if err != nil {
		return err
	}

	// Capture CTRL-C and cancel the job; the partial output is removed below.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(signalChan)
	go func() {
		select {
		case <-signalChan:
			cancel()
		case <-ctx.Done():
		}
	}()

	readers := make([]io.Reader, len(srcs))
	for i, s := range srcs {
		readers[i] = s.r
	}

	p.Spinner.Start()
	img, report, err := p.ProcessContext(ctx, readers, dst)

	if f, ok := dst.(*os.File); ok && f != os.Stdout {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = errors.Wrap(cerr, "could not close the destination file")
		}
		if err != nil {
			os.Remove(f.Name())
		}
	}

	if err != nil {
		p.Spinner.StopMsg = fmt.Sprintf("%s %s %s\n",
			utils.DecorateText("⚡ EXPOFUSE", utils.StatusMessage),
			utils.DecorateText("fusing the exposures failed...", utils.DefaultMessage),
			utils.DecorateText("✘", utils.ErrorMessage),
		)
		p.Spinner.Stop()
		return err
	}
	p.Spinner.StopMsg = fmt.Sprintf("%s %s %s\n",
		utils.DecorateText("⚡ EXPOFUSE", utils.StatusMessage),
		utils.DecorateText("⇢", utils.DefaultMessage),
		utils.DecorateText(fmt.Sprintf("%d images fused ✔", report.Inputs), utils.SuccessMessage),
	)
	p.Spinner.Stop()

	if name != op.PipeName {
		fmt.Fprintf(os.Stderr, "\nThe fused image has been saved as: %s %s\n",
			utils.DecorateText(filepath.Base(name), utils.SuccessMessage),
			utils.DefaultColor,
		)
	}
	fmt.Fprintf(os.Stderr, "Working size: %s, device: %s\n",
		utils.DecorateText(fmt.Sprintf("%dx%d", report.Size.X, report.Size.Y), utils.StatusMessage),
		utils.DecorateText(report.Device, utils.StatusMessage),
	)
	fmt.Fprintf(os.Stderr, "Fusion time: %s, execution time: %s\n",
		utils.DecorateText(utils.FormatTime(report.Elapsed), utils.SuccessMessage),
		utils.DecorateText(utils.FormatTime(time.Since(now)), utils.SuccessMessage),
	)

	if p.Preview {
		return showPreview(img, report)
	}
	return nil
}

// EstimateInputs resolves the inputs like Execute does and returns the
// device memory a job over them needs, without running it.
func (p *Processor) EstimateInputs(op *Ops) (MemoryEstimate, error) {
	paths, err := op.collectInputs()
	if err != nil {
		return MemoryEstimate{}, err
	}
	srcs, err := op.openInputs(paths)
	defer func() {
		for _, s := range srcs {
			s.close()
		}
	}()
	if err != nil {
		return MemoryEstimate{}, err
	}
	readers := make([]io.Reader, len(srcs))
	for i, s := range srcs {
		readers[i] = s.r
	}
	return p.Estimate(readers)
}

// collectInputs returns the explicit inputs followed by the sorted
// images found under Dir.
func (op *Ops) collectInputs() ([]string, error) {
	paths := append([]string(nil), op.Inputs...)

	if op.Dir != "" {
		done := make(chan struct{})
		defer close(done)

		found, errc := walkDir(done, op.Dir, inputExtensions)
		var walked []string
		for path := range found {
			walked = append(walked, path)
		}
		if err := <-errc; err != nil {
			return nil, errors.Wrapf(err, "unable to read the directory %s", op.Dir)
		}
		sort.Strings(walked)
		paths = append(paths, walked...)
	}

	if len(paths) == 0 {
		return nil, ErrNoInputs
	}
	pipes := 0
	for _, path := range paths {
		if path == op.PipeName {
			pipes++
		}
	}
	if pipes > 1 {
		return nil, errors.New("stdin can be used for a single input only")
	}
	return paths, nil
}

// openInputs opens every input. The returned sources must be closed even
// when an error is returned.
func (op *Ops) openInputs(paths []string) ([]source, error) {
	srcs := make([]source, 0, len(paths))
	for _, path := range paths {
		s, err := op.openInput(path)
		if err != nil {
			return srcs, err
		}
		srcs = append(srcs, s)
	}
	return srcs, nil
}

func (op *Ops) openInput(path string) (source, error) {
	// Check if the source path is a local image or URL.
	if utils.IsValidUrl(path) {
		f, err := utils.DownloadImage(path)
		if err != nil {
			return source{}, errors.Wrap(err, "failed to load the source image")
		}
		return source{r: f, close: func() {
			f.Close()
			os.Remove(f.Name())
		}}, nil
	}

	// Check if the source is a pipe name or a regular file.
	if path == op.PipeName {
		if term.IsTerminal(int(os.Stdin.Fd())) {
			return source{}, errors.New("`-` should be used with a pipe for stdin")
		}
		return source{r: os.Stdin, close: func() {}}, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return source{}, errors.Wrap(err, "unable to open the source file")
	}
	return source{r: f, close: func() { f.Close() }}, nil
}

// openDestination creates the output. format is the fallback used when
// the output is a directory or a pipe.
func (op *Ops) openDestination(paths []string, format string) (io.Writer, string, error) {
	if format == "" {
		format = "jpg"
	}

	// Check if the destination is a pipe name, a directory or a regular file.
	if op.Dst == op.PipeName {
		if term.IsTerminal(int(os.Stdout.Fd())) {
			return nil, "", errors.New("`-` should be used with a pipe for stdout")
		}
		return os.Stdout, op.PipeName, nil
	}

	name := op.Dst
	if fi, err := os.Stat(op.Dst); err == nil && fi.IsDir() {
		name = filepath.Join(op.Dst, OutputName(paths, format))
	}
	if _, err := formatFromPath(name); err != nil {
		return nil, "", err
	}

	f, err := os.Create(name)
	if err != nil {
		return nil, "", errors.Wrap(err, "unable to create the destination file")
	}
	return f, name, nil
}

// walkDir starts a new goroutine to walk the specified directory tree
// in recursive manner and sends the path of each supported image to a new
// channel. It finishes in case the done channel is getting closed.
func walkDir(
	done <-chan struct{},
	src string,
	srcExts []string,
) (<-chan string, <-chan error) {
	pathChan := make(chan string)
	errChan := make(chan error, 1)

	go func() {
		// Close the paths channel after Walk returns.
		defer close(pathChan)

		errChan <- filepath.Walk(src, func(path string, f os.FileInfo, err error) error {
			if err != nil {
				return err
			}
			if !f.Mode().IsRegular() || !isValidExtension(filepath.Ext(f.Name()), srcExts) {
				return nil
			}
			select {
			case <-done:
				return errors.New("directory walk cancelled")
			case pathChan <- path:
			}
			return nil
		})
	}()
	return pathChan, errChan
}
