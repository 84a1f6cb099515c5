package isapi

import (
	"bytes"
	"context"
	"encoding/json"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"hikvision-alarm-ingestion/ingest/internal/models"
)

// ErrUnreachable marks network-level failures: the panel did not answer.
// Anything else the caller should treat as an integration fault.
var ErrUnreachable = errors.New("panel unreachable")

const defaultPort = 80

type DeviceInfo struct {
	DeviceName      string `xml:"deviceName"`
	Model           string `xml:"model"`
	SerialNumber    string `xml:"serialNumber"`
	FirmwareVersion string `xml:"firmwareVersion"`
}

type EventPage struct {
	Items        []json.RawMessage
	NextPosition int
	More         bool
}

type Client struct {
	http *http.Client
}

func NewClient(connectTimeout time.Duration, requestTimeout time.Duration) *Client {
	if connectTimeout <= 0 {
		connectTimeout = 5 * time.Second
	}
	if requestTimeout <= 0 {
		requestTimeout = 30 * time.Second
	}
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout: connectTimeout,
		}).DialContext,
		MaxIdleConnsPerHost: 2,
	}
	return &Client{
		http: &http.Client{
			Transport: transport,
			Timeout:   requestTimeout,
		},
	}
}

func (c *Client) GetDeviceInfo(ctx context.Context, device models.AlarmDevice) (DeviceInfo, error) {
	body, err := c.do(ctx, device, http.MethodGet, "/ISAPI/System/deviceInfo", nil, "")
	if err != nil {
		return DeviceInfo{}, err
	}
	var info DeviceInfo
	if err := xml.Unmarshal(body, &info); err != nil {
		return DeviceInfo{}, fmt.Errorf("parse device info: %w", err)
	}
	return info, nil
}

func (c *Client) GetArmStatus(ctx context.Context, device models.AlarmDevice) (string, error) {
	body, err := c.do(ctx, device, http.MethodGet, "/ISAPI/SecurityCP/status/armStatus?format=json", nil, "")
	if err != nil {
		return "", err
	}
	var payload struct {
		ArmStatus struct {
			Status string `json:"status"`
		} `json:"ArmStatus"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return "", fmt.Errorf("parse arm status: %w", err)
	}
	return payload.ArmStatus.Status, nil
}

// SearchEvents pulls one page of recent event records. position carries the
// searchResultPosition cursor between calls.
func (c *Client) SearchEvents(ctx context.Context, device models.AlarmDevice, position int, maxResults int) (EventPage, error) {
	if maxResults <= 0 {
		maxResults = 50
	}
	request, err := json.Marshal(map[string]any{
		"EventRecordsSearch": map[string]any{
			"searchID":             uuid.NewString(),
			"searchResultPosition": position,
			"maxResults":           maxResults,
		},
	})
	if err != nil {
		return EventPage{}, err
	}
	body, err := c.do(ctx, device, http.MethodPost, "/ISAPI/SecurityCP/control/eventRecords?format=json", request, "application/json")
	if err != nil {
		return EventPage{}, err
	}
	var payload struct {
		EventRecords struct {
			ResponseStatusStrg string            `json:"responseStatusStrg"`
			NumOfMatches       int               `json:"numOfMatches"`
			EventList          []json.RawMessage `json:"eventList"`
		} `json:"EventRecords"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return EventPage{}, fmt.Errorf("parse event records: %w", err)
	}
	records := payload.EventRecords
	return EventPage{
		Items:        records.EventList,
		NextPosition: position + len(records.EventList),
		More:         records.ResponseStatusStrg == "MORE",
	}, nil
}

// do issues the request and answers the digest challenge when the panel
// returns 401. The body is replayed on the authenticated attempt.
func (c *Client) do(ctx context.Context, device models.AlarmDevice, method string, pathAndQuery string, body []byte, contentType string) ([]byte, error) {
	port := device.Port
	if port <= 0 {
		port = defaultPort
	}
	url := "http://" + net.JoinHostPort(device.IPAddress, strconv.Itoa(port)) + pathAndQuery

	resp, err := c.send(ctx, method, url, body, contentType, "")
	if err != nil {
		return nil, classifyNetErr(err)
	}
	if resp.StatusCode == http.StatusUnauthorized {
		challenge := resp.Header.Get("WWW-Authenticate")
		drain(resp)
		ch, err := parseDigestChallenge(challenge)
		if err != nil {
			return nil, fmt.Errorf("panel auth: %w", err)
		}
		auth := ch.authorization(method, pathAndQuery, device.Username, device.Secret, newCnonce(), 1)
		resp, err = c.send(ctx, method, url, body, contentType, auth)
		if err != nil {
			return nil, classifyNetErr(err)
		}
	}
	defer drain(resp)

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return nil, fmt.Errorf("panel rejected credentials: status %d", resp.StatusCode)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("panel returned status %d", resp.StatusCode)
	}
	payload, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, classifyNetErr(err)
	}
	return payload, nil
}

func (c *Client) send(ctx context.Context, method string, url string, body []byte, contentType string, authorization string) (*http.Response, error) {
	var reader io.Reader
	if len(body) > 0 {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if authorization != "" {
		req.Header.Set("Authorization", authorization)
	}
	return c.http.Do(req)
}

func classifyNetErr(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %v", ErrUnreachable, err)
}

func drain(resp *http.Response) {
	if resp == nil || resp.Body == nil {
		return
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))
	_ = resp.Body.Close()
}
