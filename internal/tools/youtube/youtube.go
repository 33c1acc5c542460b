// Package youtube fetches video transcripts for the youtube tool.
package youtube

import (
	"context"
	"encoding/json"
	"fmt"
	"html"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/mohammad-safakhou/stockresearch/internal/tools"
)

const (
	DefaultBaseURL = "https://www.youtube.com"
	pageBytes      = 4 << 20
)

var videoID = regexp.MustCompile(`^[A-Za-z0-9_-]{11}$`)

const captionTracksKey = `"captionTracks":`

// ParseVideoID accepts a bare id or any of the common watch/short/embed URLs.
func ParseVideoID(s string) (string, bool) {
	s = strings.TrimSpace(s)
	if videoID.MatchString(s) {
		return s, true
	}
	u, err := url.Parse(s)
	if err != nil || u.Host == "" {
		return "", false
	}
	host := strings.TrimPrefix(strings.ToLower(u.Host), "www.")
	host = strings.TrimPrefix(host, "m.")
	var id string
	switch host {
	case "youtu.be":
		id = strings.Trim(u.Path, "/")
	case "youtube.com", "music.youtube.com":
		if v := u.Query().Get("v"); v != "" {
			id = v
		} else {
			for _, prefix := range []string{"/shorts/", "/embed/", "/live/", "/v/"} {
				if strings.HasPrefix(u.Path, prefix) {
					id = strings.Trim(strings.TrimPrefix(u.Path, prefix), "/")
				}
			}
		}
	}
	if videoID.MatchString(id) {
		return id, true
	}
	return "", false
}

// Segment is one caption line.
type Segment struct {
	Start    float64 `json:"start"`
	Duration float64 `json:"duration"`
	Text     string  `json:"text"`
}

// Transcript is the youtube tool payload.
type Transcript struct {
	VideoID   string    `json:"video_id"`
	Title     string    `json:"title,omitempty"`
	Channel   string    `json:"channel,omitempty"`
	Language  string    `json:"language"`
	Text      string    `json:"text"`
	Truncated bool      `json:"truncated,omitempty"`
	Segments  int       `json:"segments"`
	FetchedAt time.Time `json:"fetched_at"`
}

type track struct {
	BaseURL      string `json:"baseUrl"`
	LanguageCode string `json:"languageCode"`
	Kind         string `json:"kind"`
}

// Adapter serves youtube.
type Adapter struct {
	BaseURL   string
	Languages []string
	MaxChars  int
	client    *tools.HTTPClient
}

func NewAdapter(baseURL string, languages []string, maxChars int, timeout time.Duration) *Adapter {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if len(languages) == 0 {
		languages = []string{"en", "ko"}
	}
	return &Adapter{
		BaseURL:   strings.TrimRight(baseURL, "/"),
		Languages: languages,
		MaxChars:  maxChars,
		client:    tools.NewHTTPClient(tools.TypeYouTube, timeout, 0),
	}
}

func (a *Adapter) Type() tools.Type { return tools.TypeYouTube }

func (a *Adapter) Definition() tools.Definition {
	return tools.Definition{
		Name:        string(tools.TypeYouTube),
		Description: "Fetch the transcript of a YouTube video such as an earnings call or interview.",
		Parameters: tools.ObjectSchema(map[string]string{
			"url":      "Video URL or 11 character id",
			"language": "Preferred caption language code",
		}, "url"),
	}
}

func (a *Adapter) Invoke(ctx context.Context, p tools.Params) (tools.Result, error) {
	raw := p.Get("url", p.Get("video_id", p.Get("query", "")))
	id, ok := ParseVideoID(raw)
	if !ok {
		return tools.Result{}, tools.NotFound(tools.TypeYouTube, "not a youtube video: %q", raw)
	}
	page, err := a.client.GetText(ctx, a.BaseURL+"/watch?v="+id, map[string]string{"Accept-Language": "en-US,en;q=0.8"}, pageBytes)
	if err != nil {
		return tools.Result{}, err
	}
	tr := Transcript{VideoID: id, FetchedAt: time.Now().UTC()}
	if doc, err := goquery.NewDocumentFromReader(strings.NewReader(page)); err == nil {
		tr.Title, _ = doc.Find(`meta[property="og:title"]`).Attr("content")
		tr.Channel, _ = doc.Find(`link[itemprop="name"]`).Attr("content")
	}

	tracks, err := parseTracks(page)
	if err != nil {
		return tools.Result{}, tools.NewError(tools.TypeYouTube, tools.ReasonProviderError, "caption data: %v", err)
	}
	chosen, ok := pickTrack(tracks, append([]string{p.Get("language", "")}, a.Languages...))
	if !ok {
		return tools.Result{}, tools.NotFound(tools.TypeYouTube, "video %s has no captions", id)
	}
	xml, err := a.client.GetText(ctx, a.absolute(chosen.BaseURL), nil, pageBytes)
	if err != nil {
		return tools.Result{}, err
	}
	segments, err := parseTimedText(xml)
	if err != nil {
		return tools.Result{}, tools.NewError(tools.TypeYouTube, tools.ReasonProviderError, "caption track: %v", err)
	}
	if len(segments) == 0 {
		return tools.Result{}, tools.NotFound(tools.TypeYouTube, "video %s has an empty transcript", id)
	}
	parts := make([]string, len(segments))
	for i, s := range segments {
		parts[i] = s.Text
	}
	tr.Language = chosen.LanguageCode
	tr.Segments = len(segments)
	tr.Text = strings.Join(parts, " ")
	if r := []rune(tr.Text); a.MaxChars > 0 && len(r) > a.MaxChars {
		tr.Text = string(r[:a.MaxChars])
		tr.Truncated = true
	}
	label := fmt.Sprintf("YouTube transcript: %s", id)
	if tr.Title != "" {
		label = fmt.Sprintf("YouTube transcript: %s (%s)", tr.Title, id)
	}
	return tools.Result{Data: tr, CitationLabel: label}, nil
}

// absolute resolves caption URLs against BaseURL; YouTube returns absolute
// ones, test servers and mirrors may not.
func (a *Adapter) absolute(raw string) string {
	if strings.HasPrefix(raw, "http://") || strings.HasPrefix(raw, "https://") {
		return raw
	}
	return a.BaseURL + "/" + strings.TrimLeft(raw, "/")
}

// parseTracks decodes the captionTracks array embedded in the player
// response. The decoder stops after one value, so nested arrays and
// newlines inside the tracks are handled.
func parseTracks(page string) ([]track, error) {
	i := strings.Index(page, captionTracksKey)
	if i < 0 {
		return nil, nil
	}
	var tracks []track
	dec := json.NewDecoder(strings.NewReader(page[i+len(captionTracksKey):]))
	if err := dec.Decode(&tracks); err != nil {
		return nil, err
	}
	return tracks, nil
}

// pickTrack prefers manual captions in the earliest matching language, then
// auto-generated ones, then whatever comes first.
func pickTrack(tracks []track, langs []string) (track, bool) {
	if len(tracks) == 0 {
		return track{}, false
	}
	for _, wantAuto := range []bool{false, true} {
		for _, lang := range langs {
			if lang == "" {
				continue
			}
			for _, t := range tracks {
				if (t.Kind == "asr") == wantAuto && strings.HasPrefix(t.LanguageCode, lang) {
					return t, true
				}
			}
		}
	}
	return tracks[0], true
}

func parseTimedText(xml string) ([]Segment, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(xml))
	if err != nil {
		return nil, err
	}
	var out []Segment
	doc.Find("text").Each(func(_ int, s *goquery.Selection) {
		text := strings.Join(strings.Fields(html.UnescapeString(s.Text())), " ")
		if text == "" {
			return
		}
		start, _ := strconv.ParseFloat(s.AttrOr("start", "0"), 64)
		dur, _ := strconv.ParseFloat(s.AttrOr("dur", "0"), 64)
		out = append(out, Segment{Start: start, Duration: dur, Text: text})
	})
	return out, nil
}
