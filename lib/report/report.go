// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package report sends task state changes back to the task database.
package report

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"git.crabdag.org/crabdag.git/sdk/go/crab"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/sirupsen/logrus"
)

// Task states reported through SetStatus.
const (
	StatusSubmitted = "SUBMITTED"
	StatusFailed    = "FAILED"
	StatusKilled    = "KILLED"
)

// Reporter receives task state changes.
type Reporter interface {
	// ReportFailure marks the task FAILED with err as the
	// failure message.
	ReportFailure(ctx context.Context, task string, err error) error
	// ReportSubmitted marks the task SUBMITTED after a
	// successful first submission.
	ReportSubmitted(ctx context.Context, task string) error
	// SetStatus changes the task state.
	SetStatus(ctx context.Context, task, status string) error
	// UploadWarning attaches a user-visible warning to the task.
	UploadWarning(ctx context.Context, task, msg string) error
}

// Client is a Reporter that posts forms to the task database.
type Client struct {
	URL string

	http *retryablehttp.Client
}

// NewClient returns a Client for the cluster's TaskDB config.
func NewClient(cluster *crab.Cluster, logger logrus.FieldLogger) (*Client, error) {
	cfg := cluster.TaskDB
	if cfg.URL == "" {
		return nil, fmt.Errorf("TaskDB.URL is not configured")
	}
	tlsConfig := &tls.Config{}
	if cfg.CertFile != "" {
		keyFile := cfg.KeyFile
		if keyFile == "" {
			keyFile = cfg.CertFile
		}
		cert, err := tls.LoadX509KeyPair(cfg.CertFile, keyFile)
		if err != nil {
			return nil, fmt.Errorf("loading TaskDB client certificate: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}
	hc := retryablehttp.NewClient()
	hc.RetryMax = cfg.Retries
	hc.HTTPClient.Transport = &http.Transport{
		Proxy:           http.ProxyFromEnvironment,
		TLSClientConfig: tlsConfig,
	}
	if cfg.Timeout > 0 {
		hc.HTTPClient.Timeout = time.Duration(cfg.Timeout)
	}
	hc.Logger = leveledLogger{logger.WithField("TaskDB", cfg.URL)}
	return &Client{URL: cfg.URL, http: hc}, nil
}

func encode(msg string) string {
	return base64.StdEncoding.EncodeToString([]byte(msg))
}

func (c *Client) ReportFailure(ctx context.Context, task string, err error) error {
	return c.post(ctx, url.Values{
		"workflow":    {task},
		"status":      {StatusFailed},
		"subresource": {"failure"},
		"failure":     {encode(err.Error())},
	})
}

func (c *Client) ReportSubmitted(ctx context.Context, task string) error {
	return c.post(ctx, url.Values{
		"workflow":    {task},
		"status":      {StatusSubmitted},
		"jobset":      {"-1"},
		"subresource": {"success"},
	})
}

func (c *Client) SetStatus(ctx context.Context, task, status string) error {
	return c.post(ctx, url.Values{
		"workflow":    {task},
		"status":      {status},
		"subresource": {"state"},
	})
}

func (c *Client) UploadWarning(ctx context.Context, task, msg string) error {
	return c.post(ctx, url.Values{
		"workflow":    {task},
		"subresource": {"addwarning"},
		"warning":     {encode(msg)},
	})
}

func (c *Client) post(ctx context.Context, form url.Values) error {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, c.URL, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("task database %s: %w", form.Get("subresource"), err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("task database %s: %s: %q", form.Get("subresource"), resp.Status, body)
	}
	return nil
}

// leveledLogger adapts a logrus logger for retryablehttp.
type leveledLogger struct {
	logrus.FieldLogger
}

func (l leveledLogger) with(kv []interface{}) logrus.FieldLogger {
	fields := logrus.Fields{}
	for i := 0; i+1 < len(kv); i += 2 {
		fields[fmt.Sprint(kv[i])] = kv[i+1]
	}
	return l.FieldLogger.WithFields(fields)
}

func (l leveledLogger) Error(msg string, kv ...interface{}) { l.with(kv).Error(msg) }
func (l leveledLogger) Info(msg string, kv ...interface{})  { l.with(kv).Info(msg) }
func (l leveledLogger) Debug(msg string, kv ...interface{}) { l.with(kv).Debug(msg) }
func (l leveledLogger) Warn(msg string, kv ...interface{})  { l.with(kv).Warn(msg) }

// LogReporter is a Reporter that only logs. It is used when no task
// database is configured.
type LogReporter struct {
	Logger logrus.FieldLogger
}

func (r LogReporter) ReportFailure(ctx context.Context, task string, err error) error {
	r.Logger.WithField("Task", task).WithError(err).Error("task failed")
	return nil
}

func (r LogReporter) ReportSubmitted(ctx context.Context, task string) error {
	r.Logger.WithField("Task", task).Info("task submitted")
	return nil
}

func (r LogReporter) SetStatus(ctx context.Context, task, status string) error {
	r.Logger.WithField("Task", task).WithField("Status", status).Info("task status changed")
	return nil
}

func (r LogReporter) UploadWarning(ctx context.Context, task, msg string) error {
	r.Logger.WithField("Task", task).Warn(msg)
	return nil
}
