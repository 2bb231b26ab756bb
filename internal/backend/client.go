// Copyright (c) 2020 - 2021 Lurelab. All Rights Reserved.
// Please refer to our terms for more information:
// https://www.lurelab.io/terms.html

// Package backend provides the client of the external classifier service.
package backend

import (
	"bytes"
	"context"
	"io"
	"io/ioutil"
	"net/http"
	"net/url"
	"strings"

	"github.com/lurelab/decoy/internal/config"
	"github.com/lurelab/decoy/internal/dclib/dcerrors"
	"github.com/lurelab/decoy/internal/plog"
)

// maxLabelLength bounds the classifier response body we are willing to read.
const maxLabelLength = 256

// Client is the HTTP client of the classifier service.
type Client struct {
	client  *http.Client
	baseURL string
	logger  plog.DebugLevelLogger
}

// NewClient returns a client of the classifier service at the given base URL.
func NewClient(baseURL string, logger plog.DebugLevelLogger) (*Client, error) {
	if _, err := url.ParseRequestURI(baseURL); err != nil {
		return nil, dcerrors.Wrap(err, "invalid classifier service url")
	}
	return &Client{
		client: &http.Client{
			Timeout: config.ClassifierRequestTimeout,
		},
		baseURL: strings.TrimSuffix(baseURL, "/"),
		logger:  logger,
	}, nil
}

// Classify submits the given activity record and returns the label the
// service assigned to it.
func (c *Client) Classify(ctx context.Context, record []byte) (string, error) {
	req, err := http.NewRequest(http.MethodPost, c.baseURL+"/classify", bytes.NewReader(record))
	if err != nil {
		return "", dcerrors.Wrap(err, "could not create the classifier request")
	}
	req = req.WithContext(ctx)
	req.Header.Set("Content-Type", "application/json")

	c.logger.Debugf("backend: sending classification request to %s", req.URL)
	res, err := c.client.Do(req)
	if err != nil {
		return "", dcerrors.Wrap(err, "classifier request failed")
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		return "", dcerrors.Errorf("classifier request failed with status `%s`", res.Status)
	}

	body, err := ioutil.ReadAll(io.LimitReader(res.Body, maxLabelLength))
	if err != nil {
		return "", dcerrors.Wrap(err, "could not read the classifier response")
	}

	label := strings.TrimSpace(string(body))
	if label == "" {
		return "", dcerrors.New("empty classifier response")
	}
	return label, nil
}

// ClassifyOrFallback classifies the given record and falls back to the
// conservative label when the service cannot be reached or misbehaves.
func (c *Client) ClassifyOrFallback(ctx context.Context, record []byte) string {
	label, err := c.Classify(ctx, record)
	if err != nil {
		c.logger.Error(dcerrors.Wrap(err, "backend: falling back to the default label"))
		return config.ClassifierFallbackLabel
	}
	return label
}
