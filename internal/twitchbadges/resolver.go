// Package twitchbadges resolves badge references such as "subscriber/12" to
// image URLs using the Helix chat badge endpoints.
package twitchbadges

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

const (
	defaultTTL      = 6 * time.Hour
	defaultBaseURL  = "https://api.twitch.tv/helix"
	defaultTokenURL = "https://id.twitch.tv/oauth2/token"
	globalKey       = "global"
)

type Image struct {
	URL   string `json:"url"`
	Scale int    `json:"scale"`
}

type Options struct {
	ClientID     string
	ClientSecret string
	BaseURL      string
	TokenURL     string
	TTL          time.Duration
	// HTTP is the base client for token and Helix calls.
	HTTP   *http.Client
	Logger *slog.Logger
}

// Resolver caches badge sets per broadcaster. It authenticates with an app
// access token obtained through the client-credentials grant.
type Resolver struct {
	clientID string
	baseURL  string
	ttl      time.Duration
	client   *http.Client
	log      *slog.Logger
	now      func() time.Time

	mu   sync.Mutex
	sets map[string]cacheEntry
}

type cacheEntry struct {
	sets      badgeSets
	expiresAt time.Time
}

// badgeSets maps set id, then version id, to images.
type badgeSets map[string]map[string][]Image

type helixBadgeResponse struct {
	Data []helixBadgeSet `json:"data"`
}

type helixBadgeSet struct {
	SetID    string           `json:"set_id"`
	Versions []helixBadgeItem `json:"versions"`
}

type helixBadgeItem struct {
	ID         string `json:"id"`
	ImageURL1x string `json:"image_url_1x"`
	ImageURL2x string `json:"image_url_2x"`
	ImageURL4x string `json:"image_url_4x"`
}

// New returns nil when the client id or secret is missing; a nil Resolver
// resolves nothing.
func New(opts Options) *Resolver {
	clientID := strings.TrimSpace(opts.ClientID)
	secret := strings.TrimSpace(opts.ClientSecret)
	if clientID == "" || secret == "" {
		return nil
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tokenURL := opts.TokenURL
	if tokenURL == "" {
		tokenURL = defaultTokenURL
	}
	baseURL := strings.TrimSuffix(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = defaultTTL
	}

	ctx := context.Background()
	if opts.HTTP != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, opts.HTTP)
	}
	cc := clientcredentials.Config{
		ClientID:     clientID,
		ClientSecret: secret,
		TokenURL:     tokenURL,
		AuthStyle:    oauth2.AuthStyleInParams,
	}
	return &Resolver{
		clientID: clientID,
		baseURL:  baseURL,
		ttl:      ttl,
		client:   cc.Client(ctx),
		log:      logger,
		now:      time.Now,
		sets:     make(map[string]cacheEntry),
	}
}

// Resolve maps each "set/version" reference to its images. Channel badges
// override global ones; unknown references are omitted.
func (r *Resolver) Resolve(ctx context.Context, broadcasterID string, refs []string) map[string][]Image {
	out := make(map[string][]Image, len(refs))
	if r == nil || len(refs) == 0 {
		return out
	}
	merged := badgeSets{}
	merged.merge(r.lookup(ctx, globalKey))
	if id := strings.TrimSpace(broadcasterID); id != "" {
		merged.merge(r.lookup(ctx, id))
	}

	for _, ref := range refs {
		set, version, _ := strings.Cut(strings.TrimSpace(ref), "/")
		versions, ok := merged[set]
		if !ok {
			continue
		}
		if images := versions[version]; len(images) > 0 {
			out[ref] = images
		}
	}
	return out
}

func (r *Resolver) lookup(ctx context.Context, key string) badgeSets {
	r.mu.Lock()
	entry, ok := r.sets[key]
	r.mu.Unlock()
	if ok && r.now().Before(entry.expiresAt) {
		return entry.sets
	}

	sets, err := r.fetch(ctx, key)
	if err != nil {
		r.log.Warn("twitchbadges: fetch badge sets", "key", key, "err", err)
		// a stale copy beats nothing
		return entry.sets
	}
	r.mu.Lock()
	r.sets[key] = cacheEntry{sets: sets, expiresAt: r.now().Add(r.ttl)}
	r.mu.Unlock()
	r.log.Info("twitchbadges: fetched badge metadata", "key", key, "sets", len(sets))
	return sets
}

func (r *Resolver) fetch(ctx context.Context, key string) (badgeSets, error) {
	endpoint := r.baseURL + "/chat/badges/global"
	if key != globalKey {
		endpoint = r.baseURL + "/chat/badges?broadcaster_id=" + url.QueryEscape(key)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Client-Id", r.clientID)

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var parsed helixBadgeResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return convertBadgeSets(parsed.Data), nil
}

func (b badgeSets) merge(src badgeSets) {
	for setID, versions := range src {
		if b[setID] == nil {
			b[setID] = map[string][]Image{}
		}
		for version, images := range versions {
			b[setID][version] = images
		}
	}
}

func convertBadgeSets(sets []helixBadgeSet) badgeSets {
	result := make(badgeSets, len(sets))
	for _, set := range sets {
		if set.SetID == "" {
			continue
		}
		versions := map[string][]Image{}
		for _, v := range set.Versions {
			if v.ID == "" {
				continue
			}
			if images := buildImages(v); len(images) > 0 {
				versions[v.ID] = images
			}
		}
		if len(versions) > 0 {
			result[set.SetID] = versions
		}
	}
	return result
}

func buildImages(item helixBadgeItem) []Image {
	var images []Image
	for _, c := range []struct {
		url   string
		scale int
	}{{item.ImageURL1x, 1}, {item.ImageURL2x, 2}, {item.ImageURL4x, 4}} {
		if strings.TrimSpace(c.url) != "" {
			images = append(images, Image{URL: c.url, Scale: c.scale})
		}
	}
	return images
}
