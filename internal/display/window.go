package display

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/veandco/go-sdl2/sdl"

	"github.com/zsiec/flicker/internal/events"
	"github.com/zsiec/flicker/internal/media"
	"github.com/zsiec/flicker/internal/shutdown"
)

// OutputFormat is the picture format a Window displays natively.
const OutputFormat = media.PixelFormatRGB24

const pollInterval = 100 // ms

const (
	codeFrame int32 = iota + 1
	codeNotify
	codeCaption
)

// Config configures a Window.
type Config struct {
	Title         string
	Width, Height int // initial window size; zero means 1280x720
	MaxGap        time.Duration
	Coordinator   *shutdown.Coordinator
	Logger        *slog.Logger
}

// Window is an SDL window acting as VideoSink and as the UI event loop.
// Open, Run and Close must be called from the thread that owns the UI,
// which on most platforms is the process's main thread. Present, Post and
// ShowCaption may be called from any goroutine.
type Window struct {
	log   *slog.Logger
	coord *shutdown.Coordinator
	title string

	window    *sdl.Window
	renderer  *sdl.Renderer
	texture   *sdl.Texture
	texW      int
	texH      int
	eventType uint32

	pacer *Pacer
	mail  mailbox
	stats counters

	mu      sync.Mutex
	pending []events.Event
	caption string
}

// Open initialises SDL and creates the window.
func Open(cfg Config) (*Window, error) {
	if cfg.Coordinator == nil {
		return nil, errors.New("display: coordinator is required")
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	if cfg.Title == "" {
		cfg.Title = "flicker"
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		cfg.Width, cfg.Height = 1280, 720
	}

	if err := sdl.Init(sdl.INIT_VIDEO | sdl.INIT_EVENTS); err != nil {
		return nil, fmt.Errorf("display: init SDL: %w", err)
	}
	w := &Window{
		log:   log.With("component", "display"),
		coord: cfg.Coordinator,
		title: cfg.Title,
		pacer: NewPacer(cfg.MaxGap),
	}

	var err error
	w.window, err = sdl.CreateWindow(cfg.Title, sdl.WINDOWPOS_CENTERED, sdl.WINDOWPOS_CENTERED,
		int32(cfg.Width), int32(cfg.Height), sdl.WINDOW_SHOWN|sdl.WINDOW_RESIZABLE)
	if err != nil {
		sdl.Quit()
		return nil, fmt.Errorf("display: create window: %w", err)
	}
	w.renderer, err = sdl.CreateRenderer(w.window, -1, sdl.RENDERER_ACCELERATED)
	if err != nil {
		w.window.Destroy()
		sdl.Quit()
		return nil, fmt.Errorf("display: create renderer: %w", err)
	}
	w.eventType = sdl.RegisterEvents(1)
	if w.eventType == ^uint32(0) {
		w.Close()
		return nil, errors.New("display: no user events left")
	}
	w.render()
	return w, nil
}

// Present implements media.VideoSink. It waits until pts is due, then hands
// the picture to the UI thread, replacing one that has not been drawn yet.
func (w *Window) Present(pic *media.Picture, pts time.Duration) {
	w.stats.received.Add(1)
	wait := w.pacer.Delay(pts)
	w.stats.rebases.Store(w.pacer.Rebases())
	if !sleep(wait, w.coord.Done()) {
		w.stats.dropped.Add(1)
		return
	}
	if w.mail.put(pic, pts) {
		w.stats.dropped.Add(1)
	}
	w.wake(codeFrame)
}

// Post queues ev for the handler passed to Run. It never blocks.
func (w *Window) Post(ev events.Event) {
	w.mu.Lock()
	w.pending = append(w.pending, ev)
	w.mu.Unlock()
	w.wake(codeNotify)
}

// ShowCaption puts caption text in the window title.
func (w *Window) ShowCaption(c media.Caption) {
	w.mu.Lock()
	w.caption = c.Text
	w.mu.Unlock()
	w.wake(codeCaption)
}

func (w *Window) wake(code int32) {
	if _, err := sdl.PushEvent(&sdl.UserEvent{Type: w.eventType, Code: code}); err != nil {
		w.log.Debug("push event", "error", err)
	}
}

// Run processes window events until the coordinator is cancelled. Quitting
// the window or pressing q or Esc cancels it. Events posted with Post are
// passed to handle on the UI thread.
func (w *Window) Run(handle func(events.Event)) error {
	for !w.coord.Cancelled() {
		switch e := sdl.WaitEventTimeout(pollInterval).(type) {
		case nil:
		case *sdl.QuitEvent:
			w.log.Info("window closed")
			w.coord.Cancel()
		case *sdl.KeyboardEvent:
			if e.Type == sdl.KEYDOWN && (e.Keysym.Sym == sdl.K_q || e.Keysym.Sym == sdl.K_ESCAPE) {
				w.log.Info("quit requested")
				w.coord.Cancel()
			}
		case *sdl.WindowEvent:
			if e.Event == sdl.WINDOWEVENT_EXPOSED || e.Event == sdl.WINDOWEVENT_SIZE_CHANGED {
				if err := w.render(); err != nil {
					return err
				}
			}
		case *sdl.UserEvent:
			if e.Type != w.eventType {
				continue
			}
			switch e.Code {
			case codeFrame:
				if err := w.draw(); err != nil {
					return err
				}
			case codeNotify:
				for _, ev := range w.takePending() {
					handle(ev)
				}
			case codeCaption:
				w.mu.Lock()
				text := w.caption
				w.mu.Unlock()
				w.window.SetTitle(captionTitle(w.title, text))
			}
		}
	}
	return nil
}

func (w *Window) takePending() []events.Event {
	w.mu.Lock()
	defer w.mu.Unlock()
	evs := w.pending
	w.pending = nil
	return evs
}

func captionTitle(title, caption string) string {
	if caption == "" {
		return title
	}
	return title + ": " + caption
}

func (w *Window) draw() error {
	pic, _ := w.mail.take()
	if pic == nil {
		return nil
	}
	if err := w.ensureTexture(pic.Format); err != nil {
		return err
	}
	pixels, pitch, err := w.texture.Lock(nil)
	if err != nil {
		return fmt.Errorf("display: lock texture: %w", err)
	}
	copyRows(pixels, pitch, pic)
	w.texture.Unlock()
	w.stats.presented.Add(1)
	return w.render()
}

func (w *Window) ensureTexture(f media.VideoFormat) error {
	if w.texture != nil && w.texW == f.Width && w.texH == f.Height {
		return nil
	}
	format, ok := sdlFormats[f.PixelFormat]
	if !ok {
		return fmt.Errorf("%w: display pixel format %s", media.ErrUnsupported, f.PixelFormat)
	}
	if w.texture != nil {
		w.texture.Destroy()
	}
	tex, err := w.renderer.CreateTexture(format, sdl.TEXTUREACCESS_STREAMING, int32(f.Width), int32(f.Height))
	if err != nil {
		w.texture = nil
		return fmt.Errorf("display: create texture: %w", err)
	}
	w.texture, w.texW, w.texH = tex, f.Width, f.Height
	w.log.Debug("texture", "format", f)
	return nil
}

var sdlFormats = map[media.PixelFormat]uint32{
	media.PixelFormatRGB24: uint32(sdl.PIXELFORMAT_RGB24),
	media.PixelFormatRGBA:  uint32(sdl.PIXELFORMAT_RGBA32),
	media.PixelFormatBGRA:  uint32(sdl.PIXELFORMAT_BGRA32),
}

func (w *Window) render() error {
	if err := w.renderer.SetDrawColor(0, 0, 0, 255); err != nil {
		return fmt.Errorf("display: draw color: %w", err)
	}
	if err := w.renderer.Clear(); err != nil {
		return fmt.Errorf("display: clear: %w", err)
	}
	if w.texture != nil {
		ow, oh, err := w.renderer.GetOutputSize()
		if err != nil {
			return fmt.Errorf("display: output size: %w", err)
		}
		x, y, dw, dh := letterbox(ow, oh, int32(w.texW), int32(w.texH))
		if err := w.renderer.Copy(w.texture, nil, &sdl.Rect{X: x, Y: y, W: dw, H: dh}); err != nil {
			return fmt.Errorf("display: copy: %w", err)
		}
	}
	w.renderer.Present()
	return nil
}

// Stats returns the sink counters.
func (w *Window) Stats() Stats { return w.stats.snapshot() }

// Close destroys the window and shuts SDL down. The video consumer must have
// exited.
func (w *Window) Close() error {
	var errs []error
	if w.texture != nil {
		errs = append(errs, w.texture.Destroy())
		w.texture = nil
	}
	if w.renderer != nil {
		errs = append(errs, w.renderer.Destroy())
		w.renderer = nil
	}
	if w.window != nil {
		errs = append(errs, w.window.Destroy())
		w.window = nil
	}
	sdl.Quit()
	return errors.Join(errs...)
}

// letterbox fits a srcW x srcH picture into a dstW x dstH output, keeping
// its aspect ratio and centering it.
func letterbox(dstW, dstH, srcW, srcH int32) (x, y, w, h int32) {
	if srcW <= 0 || srcH <= 0 || dstW <= 0 || dstH <= 0 {
		return 0, 0, dstW, dstH
	}
	w, h = dstW, int32(int64(dstW)*int64(srcH)/int64(srcW))
	if h > dstH {
		w, h = int32(int64(dstH)*int64(srcW)/int64(srcH)), dstH
	}
	return (dstW - w) / 2, (dstH - h) / 2, w, h
}

// copyRows copies pic into a locked texture whose rows are pitch bytes apart.
func copyRows(dst []byte, pitch int, pic *media.Picture) {
	row := pic.Format.Width * pic.Format.PixelFormat.BytesPerPixel()
	if row > pic.Stride {
		row = pic.Stride
	}
	for y := 0; y < pic.Format.Height; y++ {
		so, do := y*pic.Stride, y*pitch
		if so+row > len(pic.Data) || do+row > len(dst) {
			return
		}
		copy(dst[do:do+row], pic.Data[so:so+row])
	}
}
