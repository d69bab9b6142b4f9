package imgur

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/BTreeMap/ImgurBot/internal/bot"
)

// galleryItem holds the fields of a gallery image or album the bot uses.
type galleryItem struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description"`
}

// GallerySource lists a gallery section. It satisfies bot.Source.
type GallerySource struct {
	client  *Client
	section string
	sort    string
}

var _ bot.Source = (*GallerySource)(nil)

// NewGallerySource lists section ("hot", "top", "user") ordered by sort
// ("viral", "top", "time").
func NewGallerySource(c *Client, section, sort string) *GallerySource {
	if section == "" {
		section = "user"
	}
	if sort == "" {
		sort = "time"
	}
	return &GallerySource{client: c, section: section, sort: sort}
}

// Fetch returns the first page of the gallery.
func (s *GallerySource) Fetch(ctx context.Context) ([]bot.Candidate, error) {
	if s.client.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.client.timeout)
		defer cancel()
	}
	url := fmt.Sprintf("%s/3/gallery/%s/%s/0", s.client.base, s.section, s.sort)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build gallery request failed: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("gallery request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, fmt.Errorf("gallery request failed: %s", describe(resp.StatusCode, body))
	}

	var env struct {
		Data []galleryItem `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, fmt.Errorf("decode gallery failed: %w", err)
	}
	out := make([]bot.Candidate, 0, len(env.Data))
	for _, it := range env.Data {
		if it.ID == "" {
			continue
		}
		out = append(out, bot.Candidate{ID: it.ID, Target: it.ID, Title: it.Title, Description: it.Description})
	}
	return out, nil
}
