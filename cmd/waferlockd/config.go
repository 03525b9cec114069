// Copyright 2026 The Waferlock Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ServicePair names one application/service pair to track.
type ServicePair struct {
	Application string
	Service     string
}

type daemonConfig struct {
	DirectoryURL string
	DomainSuffix string
	Services     []ServicePair
	MinInterval  time.Duration
	MaxInterval  time.Duration
	Shard        string
	AdminPort    int
	RedisAddr    string
}

// loadConfig reads configuration from environment variables.
// WAFERLOCK_DIRECTORY_URL, WAFERLOCK_DOMAIN_SUFFIX and WAFERLOCK_SERVICES are
// required; WAFERLOCK_SERVICES is a comma-separated list of app:service
// pairs.
func loadConfig() (*daemonConfig, error) {
	directoryURL := os.Getenv("WAFERLOCK_DIRECTORY_URL")
	if directoryURL == "" {
		return nil, fmt.Errorf("WAFERLOCK_DIRECTORY_URL is required")
	}

	suffix := os.Getenv("WAFERLOCK_DOMAIN_SUFFIX")
	if suffix == "" {
		return nil, fmt.Errorf("WAFERLOCK_DOMAIN_SUFFIX is required")
	}

	servicesVar := os.Getenv("WAFERLOCK_SERVICES")
	if servicesVar == "" {
		return nil, fmt.Errorf("WAFERLOCK_SERVICES is required")
	}
	pairs, err := parseServicePairs(servicesVar)
	if err != nil {
		return nil, err
	}

	minInterval, err := intervalEnv("WAFERLOCK_MIN_INTERVAL_SEC", 10)
	if err != nil {
		return nil, err
	}
	maxInterval, err := intervalEnv("WAFERLOCK_MAX_INTERVAL_SEC", 60)
	if err != nil {
		return nil, err
	}
	if maxInterval < minInterval {
		return nil, fmt.Errorf("WAFERLOCK_MAX_INTERVAL_SEC must be at least WAFERLOCK_MIN_INTERVAL_SEC")
	}

	adminPort := 8080
	if portVar := os.Getenv("WAFERLOCK_ADMIN_PORT"); portVar != "" {
		adminPort, err = strconv.Atoi(portVar)
		if err != nil {
			return nil, fmt.Errorf("invalid WAFERLOCK_ADMIN_PORT: %w", err)
		}
	}

	return &daemonConfig{
		DirectoryURL: directoryURL,
		DomainSuffix: suffix,
		Services:     pairs,
		MinInterval:  minInterval,
		MaxInterval:  maxInterval,
		Shard:        os.Getenv("WAFERLOCK_SHARD"),
		AdminPort:    adminPort,
		RedisAddr:    os.Getenv("WAFERLOCK_REDIS_ADDR"),
	}, nil
}

func parseServicePairs(value string) ([]ServicePair, error) {
	var pairs []ServicePair
	for _, entry := range strings.Split(value, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		app, service, ok := strings.Cut(entry, ":")
		if !ok || app == "" || service == "" {
			return nil, fmt.Errorf("invalid service pair %q, want app:service", entry)
		}
		pairs = append(pairs, ServicePair{Application: app, Service: service})
	}
	if len(pairs) == 0 {
		return nil, fmt.Errorf("WAFERLOCK_SERVICES contains no service pairs")
	}
	return pairs, nil
}

func intervalEnv(name string, defaultSec int) (time.Duration, error) {
	value := os.Getenv(name)
	if value == "" {
		return time.Duration(defaultSec) * time.Second, nil
	}
	sec, err := strconv.Atoi(value)
	if err != nil || sec <= 0 {
		return 0, fmt.Errorf("invalid %s: want a positive number of seconds", name)
	}
	return time.Duration(sec) * time.Second, nil
}
