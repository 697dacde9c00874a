package fetch

import (
	"context"
	"encoding/json"
	"encoding/xml"
	"errors"
	"fmt"
	"html"
	"io"
	"net/http"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/time/rate"

	"github.com/TobiSchelling/AINews/internal/database"
)

const (
	youtubeWatchURL     = "https://www.youtube.com/watch?v="
	playerResponseToken = "ytInitialPlayerResponse"
)

var errNoPlayerResponse = errors.New("player response not found in watch page")

// TranscriptFetcher reads the caption track of a YouTube video.
type TranscriptFetcher struct {
	client    *http.Client
	limiter   *rate.Limiter
	watchURL  string
	languages []string
}

// NewTranscriptFetcher creates a transcript fetcher preferring English
// captions.
func NewTranscriptFetcher(opts Options) (*TranscriptFetcher, error) {
	client, err := opts.httpClient()
	if err != nil {
		return nil, err
	}
	return &TranscriptFetcher{
		client:    client,
		limiter:   opts.limiter(),
		watchURL:  youtubeWatchURL,
		languages: []string{"en"},
	}, nil
}

type captionTrack struct {
	BaseURL      string `json:"baseUrl"`
	LanguageCode string `json:"languageCode"`
	Kind         string `json:"kind"`
}

type playerResponse struct {
	PlayabilityStatus struct {
		Status string `json:"status"`
		Reason string `json:"reason"`
	} `json:"playabilityStatus"`
	Captions struct {
		Renderer struct {
			CaptionTracks []captionTrack `json:"captionTracks"`
		} `json:"playerCaptionsTracklistRenderer"`
	} `json:"captions"`
}

// Fetch retrieves the transcript for the video whose id is item.Key.
func (f *TranscriptFetcher) Fetch(ctx context.Context, item database.Item) Outcome {
	player, outcome, ok := f.playerResponse(ctx, item.Key)
	if !ok {
		return outcome
	}

	switch player.PlayabilityStatus.Status {
	case "", "OK":
	case "LOGIN_REQUIRED", "ERROR", "UNPLAYABLE":
		return Unavailable(fmt.Sprintf("video %s: %s", strings.ToLower(player.PlayabilityStatus.Status), player.PlayabilityStatus.Reason))
	default:
		return Transient(fmt.Errorf("video playability %s", player.PlayabilityStatus.Status))
	}

	track, found := pickTrack(player.Captions.Renderer.CaptionTracks, f.languages)
	if !found {
		return Unavailable("transcripts disabled")
	}

	resp, err := get(ctx, f.client, f.limiter, track.BaseURL, nil)
	if err != nil {
		return Transient(fmt.Errorf("requesting captions: %w", err))
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return statusOutcome(resp.StatusCode)
	}

	text, err := parseTimedText(resp.Body)
	if err != nil {
		return Transient(fmt.Errorf("parsing captions: %w", err))
	}
	if text == "" {
		return Transient(errors.New("empty caption track"))
	}
	return Success(text)
}

func (f *TranscriptFetcher) playerResponse(ctx context.Context, videoID string) (*playerResponse, Outcome, bool) {
	header := http.Header{"Accept-Language": {"en-US,en;q=0.9"}}
	resp, err := get(ctx, f.client, f.limiter, f.watchURL+videoID, header)
	if err != nil {
		return nil, Transient(fmt.Errorf("requesting watch page: %w", err)), false
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, statusOutcome(resp.StatusCode), false
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return nil, Transient(fmt.Errorf("parsing watch page: %w", err)), false
	}

	player, err := extractPlayerResponse(doc)
	if err != nil {
		// Usually a consent or bot-check page.
		return nil, Transient(err), false
	}
	return player, Outcome{}, true
}

func extractPlayerResponse(doc *goquery.Document) (*playerResponse, error) {
	var player *playerResponse
	var decodeErr error

	doc.Find("script").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		script := s.Text()
		idx := strings.Index(script, playerResponseToken)
		if idx < 0 {
			return true
		}
		rest := script[idx+len(playerResponseToken):]
		start := strings.IndexByte(rest, '{')
		if start < 0 {
			return true
		}

		var p playerResponse
		if err := json.NewDecoder(strings.NewReader(rest[start:])).Decode(&p); err != nil {
			decodeErr = fmt.Errorf("decoding player response: %w", err)
			return true
		}
		player = &p
		return false
	})

	if player != nil {
		return player, nil
	}
	if decodeErr != nil {
		return nil, decodeErr
	}
	return nil, errNoPlayerResponse
}

// pickTrack prefers a manual track in a wanted language, then a generated
// one, then whatever comes first.
func pickTrack(tracks []captionTrack, languages []string) (captionTrack, bool) {
	if len(tracks) == 0 {
		return captionTrack{}, false
	}
	for _, generated := range []bool{false, true} {
		for _, lang := range languages {
			for _, t := range tracks {
				if (t.Kind == "asr") == generated && strings.HasPrefix(t.LanguageCode, lang) {
					return t, true
				}
			}
		}
	}
	return tracks[0], true
}

// parseTimedText joins the text segments of a timedtext document. Both the
// <transcript><text> and the srv3 <timedtext><body><p> layouts are handled.
func parseTimedText(r io.Reader) (string, error) {
	dec := xml.NewDecoder(r)
	var (
		segments []string
		current  strings.Builder
		depth    int
	)

	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if t.Name.Local == "text" || t.Name.Local == "p" {
				depth++
			}
		case xml.EndElement:
			if (t.Name.Local == "text" || t.Name.Local == "p") && depth > 0 {
				depth--
				if depth == 0 {
					if seg := cleanSegment(current.String()); seg != "" {
						segments = append(segments, seg)
					}
					current.Reset()
				}
			}
		case xml.CharData:
			if depth > 0 {
				current.Write(t)
			}
		}
	}

	return strings.Join(segments, " "), nil
}

func cleanSegment(s string) string {
	// Caption text is HTML-escaped inside the XML payload.
	s = html.UnescapeString(s)
	return strings.Join(strings.Fields(s), " ")
}
