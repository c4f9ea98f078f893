package edge

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/loqalabs/edge-tts-service/internal/tts"
)

type voiceEntry struct {
	Name           string `json:"Name"`
	ShortName      string `json:"ShortName"`
	Gender         string `json:"Gender"`
	Locale         string `json:"Locale"`
	FriendlyName   string `json:"FriendlyName"`
	SuggestedCodec string `json:"SuggestedCodec"`
	Status         string `json:"Status"`
}

// ListVoices fetches the voice catalog.
func (c *Client) ListVoices(ctx context.Context) ([]tts.Voice, error) {
	resp, err := c.fetchVoices(ctx)
	if err == nil && resp.StatusCode == http.StatusForbidden && c.clock.adjust(resp.Header) {
		resp.Body.Close()
		c.log.Warn("edge voice list rejected, retrying with server clock")
		resp, err = c.fetchVoices(ctx)
	}
	if err != nil {
		return nil, fmt.Errorf("edge: list voices: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("edge: list voices: status %d: %s", resp.StatusCode, body)
	}

	var entries []voiceEntry
	if err := json.NewDecoder(resp.Body).Decode(&entries); err != nil {
		return nil, fmt.Errorf("edge: decode voices: %w", err)
	}
	voices := make([]tts.Voice, 0, len(entries))
	for _, e := range entries {
		if e.ShortName == "" {
			continue
		}
		voices = append(voices, tts.Voice{
			ShortName:    e.ShortName,
			Name:         e.Name,
			Locale:       e.Locale,
			Gender:       e.Gender,
			FriendlyName: e.FriendlyName,
		})
	}
	return voices, nil
}

func (c *Client) fetchVoices(ctx context.Context) (*http.Response, error) {
	target, err := c.signedURL(c.cfg.VoiceListURL, url.Values{
		"trustedclienttoken": {c.cfg.TrustedClientToken},
	})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", c.userAgent())
	req.Header.Set("Accept", "*/*")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")
	return c.http.Do(req)
}
