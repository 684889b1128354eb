package fleethttp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/pkg/errors"

	"github.com/dzbus/buswatch/internal/integrations/fleet"
)

type Client struct {
	baseURL string
	apiKey  string
	httpc   *http.Client
}

func New(baseURL, apiKey string) *Client {
	if baseURL == "" {
		baseURL = "http://localhost:9100"
	}
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		httpc: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

type assignmentResp struct {
	Vehicle struct {
		Active bool `json:"active"`
	} `json:"vehicle"`
	Operator struct {
		Active bool `json:"active"`
	} `json:"operator"`
	Route struct {
		Exists bool `json:"exists"`
	} `json:"route"`
}

func (c *Client) GetAssignment(ctx context.Context, vehicleID, operatorID, routeID string) (fleet.Assignment, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return fleet.Assignment{}, errors.Wrap(err, "parse base url")
	}
	u.Path = "/v1/assignments"

	q := u.Query()
	q.Set("vehicle", vehicleID)
	q.Set("operator", operatorID)
	q.Set("route", routeID)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return fleet.Assignment{}, errors.Wrap(err, "new request")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return fleet.Assignment{}, errors.Wrap(err, "do request")
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return fleet.Assignment{}, fmt.Errorf("fleet http %d", resp.StatusCode)
	}

	var r assignmentResp
	if err := json.NewDecoder(resp.Body).Decode(&r); err != nil {
		return fleet.Assignment{}, errors.Wrap(err, "decode")
	}

	return fleet.Assignment{
		VehicleActive:  r.Vehicle.Active,
		OperatorActive: r.Operator.Active,
		RouteExists:    r.Route.Exists,
	}, nil
}
