package edge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/loqalabs/edge-tts-service/internal/config"
	"github.com/loqalabs/edge-tts-service/internal/tts"
)

const (
	origin        = "chrome-extension://jdiccldimpdaibmpdkjnbmckianbfold"
	readLimit     = 1 << 20
	formatPattern = "raw-%s-16bit-mono-pcm"
)

// ErrNoAudio is returned when a turn ends without any audio frames, which is
// how the service reports an unknown voice or unusable prosody.
var ErrNoAudio = errors.New("edge: no audio received")

var sampleRates = map[string]int{
	"8khz":    8000,
	"16khz":   16000,
	"22050hz": 22050,
	"24khz":   24000,
	"44100hz": 44100,
	"48khz":   48000,
}

// SampleRate reports the sample rate of a raw PCM output format such as
// "raw-24khz-16bit-mono-pcm".
func SampleRate(format string) (int, error) {
	for name, rate := range sampleRates {
		if format == fmt.Sprintf(formatPattern, name) {
			return rate, nil
		}
	}
	return 0, fmt.Errorf("edge: unsupported output format %q", format)
}

// Client synthesizes speech through the Edge read-aloud websocket service.
type Client struct {
	cfg        config.EdgeConfig
	sampleRate int
	http       *http.Client
	clock      *clock
	log        *slog.Logger
}

// New validates cfg and returns a client. No connection is made until the
// first request.
func New(cfg config.EdgeConfig, logger *slog.Logger) (*Client, error) {
	rate, err := SampleRate(cfg.OutputFormat)
	if err != nil {
		return nil, err
	}
	if cfg.MaxTextBytes <= 0 {
		return nil, errors.New("edge: max_text_bytes must be positive")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		cfg:        cfg,
		sampleRate: rate,
		http:       &http.Client{Timeout: 15 * time.Second},
		clock:      newClock(),
		log:        logger.With(slog.String("component", "edge")),
	}, nil
}

func (c *Client) connectTimeout() time.Duration {
	if c.cfg.ConnectTimeoutMS <= 0 {
		return 10 * time.Second
	}
	return time.Duration(c.cfg.ConnectTimeoutMS) * time.Millisecond
}

func (c *Client) userAgent() string {
	major, _, _ := strings.Cut(c.cfg.ChromiumVersion, ".")
	return fmt.Sprintf("Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/%[1]s.0.0.0 Safari/537.36 Edg/%[1]s.0.0.0", major)
}

// signedURL appends the client token and the current Sec-MS-GEC pair to base.
func (c *Client) signedURL(base string, extra url.Values) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse %q: %w", base, err)
	}
	q := u.Query()
	for k, v := range extra {
		q[k] = v
	}
	q.Set("Sec-MS-GEC", secMSGEC(c.clock.Now(), c.cfg.TrustedClientToken))
	q.Set("Sec-MS-GEC-Version", "1-"+c.cfg.ChromiumVersion)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (c *Client) dialOnce(ctx context.Context) (*websocket.Conn, *http.Response, error) {
	target, err := c.signedURL(c.cfg.WSSURL, url.Values{
		"TrustedClientToken": {c.cfg.TrustedClientToken},
		"ConnectionId":       {connectionID()},
	})
	if err != nil {
		return nil, nil, err
	}
	dialCtx, cancel := context.WithTimeout(ctx, c.connectTimeout())
	defer cancel()
	return websocket.Dial(dialCtx, target, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Pragma":          {"no-cache"},
			"Cache-Control":   {"no-cache"},
			"Origin":          {origin},
			"User-Agent":      {c.userAgent()},
			"Accept-Language": {"en-US,en;q=0.9"},
		},
	})
}

// dial connects to the synthesis endpoint. A 403 usually means the local
// clock is outside the token window, so the skew is taken from the response
// Date header and the handshake is retried once.
func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	conn, resp, err := c.dialOnce(ctx)
	if err != nil && resp != nil && resp.StatusCode == http.StatusForbidden && c.clock.adjust(resp.Header) {
		c.log.Warn("edge handshake rejected, retrying with server clock")
		conn, _, err = c.dialOnce(ctx)
	}
	if err != nil {
		return nil, fmt.Errorf("edge: connect: %w", err)
	}
	conn.SetReadLimit(readLimit)
	return conn, nil
}

// Synthesize streams raw PCM for req. Long input is split into several turns,
// each on its own connection, with chunk sequence numbers running across them.
func (c *Client) Synthesize(ctx context.Context, req tts.SynthRequest) (<-chan tts.SynthChunk, <-chan error) {
	chunks := make(chan tts.SynthChunk)
	errs := make(chan error, 1)
	go func() {
		defer close(chunks)
		defer close(errs)

		pieces := splitText(escape(sanitize(req.Text)), c.cfg.MaxTextBytes)
		if len(pieces) == 0 {
			errs <- ErrNoAudio
			return
		}
		seq := 0
		emit := func(pcm []byte) bool {
			chunk := tts.SynthChunk{
				SampleRate: c.sampleRate,
				Channels:   1,
				PCM:        pcm,
			}
			select {
			case chunks <- chunk:
				seq++
				return true
			case <-ctx.Done():
				return false
			}
		}
		for i, piece := range pieces {
			if err := c.turn(ctx, req, piece, emit); err != nil {
				if ctx.Err() != nil {
					err = ctx.Err()
				}
				errs <- err
				return
			}
			c.log.Debug("edge turn complete",
				slog.String("session_id", req.SessionID),
				slog.Int("piece", i+1),
				slog.Int("pieces", len(pieces)),
				slog.Int("chunks", seq),
			)
		}
	}()
	return chunks, errs
}

// turn runs one request/response exchange for a single piece of text.
func (c *Client) turn(ctx context.Context, req tts.SynthRequest, text string, emit func([]byte) bool) error {
	conn, err := c.dial(ctx)
	if err != nil {
		return err
	}
	defer conn.CloseNow()

	now := c.clock.Now()
	if err := conn.Write(ctx, websocket.MessageText, []byte(speechConfigMessage(now, c.cfg.OutputFormat))); err != nil {
		return fmt.Errorf("edge: send speech.config: %w", err)
	}
	ssml := buildSSML(req.Voice, req.Rate, req.Pitch, req.Volume, text)
	requestID := strings.ReplaceAll(uuid.NewString(), "-", "")
	if err := conn.Write(ctx, websocket.MessageText, []byte(ssmlMessage(now, requestID, ssml))); err != nil {
		return fmt.Errorf("edge: send ssml: %w", err)
	}

	gotAudio := false
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return fmt.Errorf("edge: read: %w", err)
		}
		switch typ {
		case websocket.MessageText:
			headers, _ := parseTextMessage(data)
			switch path := headers["Path"]; path {
			case "turn.end":
				_ = conn.Close(websocket.StatusNormalClosure, "")
				if !gotAudio {
					return ErrNoAudio
				}
				return nil
			case "turn.start", "response", "audio.metadata":
			default:
				c.log.Debug("edge: ignoring text message", slog.String("path", path))
			}
		case websocket.MessageBinary:
			headers, audio, err := parseBinaryMessage(data)
			if err != nil {
				return fmt.Errorf("edge: %w", err)
			}
			if path := headers["Path"]; path != "audio" {
				return fmt.Errorf("edge: unexpected binary message path %q", path)
			}
			if len(audio) == 0 {
				continue
			}
			gotAudio = true
			if !emit(audio) {
				return ctx.Err()
			}
		}
	}
}
