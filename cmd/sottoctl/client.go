package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sotto-dev/sotto/internal/listen"
	"github.com/sotto-dev/sotto/internal/whisper"
)

// adminClient speaks to one session's admin surface. Both roles share
// the envelope: 200 with a JSON body on success, {"error": "..."} with a
// non-200 status otherwise.
type adminClient struct {
	base string
	http *http.Client
}

func newAdminClient(addr string, timeout time.Duration) *adminClient {
	base := strings.TrimSpace(addr)
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &adminClient{
		base: strings.TrimRight(base, "/"),
		http: &http.Client{Timeout: timeout},
	}
}

// call sends one admin request and decodes the response body into out.
func (c *adminClient) call(method, path string, out any) error {
	req, err := http.NewRequest(method, c.base+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		var fail struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(body, &fail) == nil && fail.Error != "" {
			return errors.New(fail.Error)
		}
		return fmt.Errorf("%s %s: %s", method, path, resp.Status)
	}
	if out == nil || len(body) == 0 {
		return nil
	}
	return json.Unmarshal(body, out)
}

func (c *adminClient) health() (map[string]any, error) {
	var out map[string]any
	if err := c.call(http.MethodGet, "/health", &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *adminClient) whisperStatus() (whisper.Status, error) {
	var st whisper.Status
	if err := c.call(http.MethodGet, "/status", &st); err != nil {
		return whisper.Status{}, err
	}
	return st, nil
}

func (c *adminClient) listenStatus() (listen.Status, error) {
	var st listen.Status
	if err := c.call(http.MethodGet, "/status", &st); err != nil {
		return listen.Status{}, err
	}
	return st, nil
}

func (c *adminClient) grant(profile, username string) error {
	path := "/listeners/" + url.PathEscape(profile) + "/grant"
	if username != "" {
		path += "?username=" + url.QueryEscape(username)
	}
	return c.call(http.MethodPost, path, nil)
}

func (c *adminClient) revoke(profile string) error {
	return c.call(http.MethodPost, "/listeners/"+url.PathEscape(profile)+"/revoke", nil)
}

func (c *adminClient) shareTranscript() (string, error) {
	var out struct {
		Transcript string `json:"transcript"`
	}
	if err := c.call(http.MethodPost, "/transcript/share", &out); err != nil {
		return "", err
	}
	return out.Transcript, nil
}

func (c *adminClient) transcripts() ([]string, error) {
	var out struct {
		Transcripts []string `json:"transcripts"`
	}
	if err := c.call(http.MethodGet, "/transcripts", &out); err != nil {
		return nil, err
	}
	return out.Transcripts, nil
}

func (c *adminClient) transcript(id string) ([]string, error) {
	var out struct {
		Lines []string `json:"lines"`
	}
	if err := c.call(http.MethodGet, "/transcripts/"+url.PathEscape(id), &out); err != nil {
		return nil, err
	}
	return out.Lines, nil
}

func (c *adminClient) removeTranscript(id string) error {
	return c.call(http.MethodDelete, "/transcripts/"+url.PathEscape(id), nil)
}

func (c *adminClient) replay() error {
	return c.call(http.MethodPost, "/replay", nil)
}

func (c *adminClient) catchUp() error {
	return c.call(http.MethodPost, "/catchup", nil)
}

func (c *adminClient) leave() error {
	return c.call(http.MethodPost, "/leave", nil)
}
