package main

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/pkg/errors"
)

const maxCellSize = 1 << 20

var cellIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// topics are the MQTT topics served under one base topic.
type topics struct {
	Base      string
	Status    string
	Cell      string
	Result    string
	Interrupt string
}

func newTopics(base string) topics {
	return topics{
		Base:      base,
		Status:    base + "/status",
		Cell:      base + "/cell",
		Result:    base + "/cell/status",
		Interrupt: base + "/interrupt",
	}
}

// Subscriptions lists the topics the bridge listens on.
func (t topics) Subscriptions() []string {
	return []string{t.Base, t.Cell, t.Interrupt}
}

// parseBrokerURL splits mqtt://host[:port]/base into a broker address and
// the base topic.
func parseBrokerURL(brokerURL string) (string, string, error) {
	u, err := url.Parse(brokerURL)
	if err != nil {
		return "", "", errors.Wrap(err, "invalid broker URL")
	}

	if u.Scheme != "mqtt" && u.Scheme != "tcp" {
		return "", "", errors.Errorf("unsupported scheme: %s (use mqtt:// or tcp://)", u.Scheme)
	}
	if u.Hostname() == "" {
		return "", "", errors.New("no broker host in URL")
	}

	broker := fmt.Sprintf("tcp://%s", u.Host)
	if u.Port() == "" {
		broker = fmt.Sprintf("tcp://%s:1883", u.Hostname())
	}

	topic := strings.Trim(u.Path, "/")
	if err := validateBaseTopic(topic); err != nil {
		return "", "", err
	}

	return broker, topic, nil
}

func validateBaseTopic(topic string) error {
	if topic == "" {
		return errors.New("no topic specified in URL")
	}
	if len(topic) > 65535-len("/cell/status") {
		return errors.New("topic too long")
	}
	if strings.Contains(topic, "\u0000") {
		return errors.New("topic contains null character")
	}
	if strings.ContainsAny(topic, "+#") {
		return errors.New("wildcards not allowed in the base topic")
	}
	return nil
}

func validateCellID(id string) error {
	if !cellIDPattern.MatchString(id) {
		return errors.New("cell id contains invalid characters (allowed: a-z, A-Z, 0-9, -, _)")
	}
	if len(id) > 100 {
		return errors.New("cell id too long (max 100 characters)")
	}
	return nil
}

func validateCell(cell string) error {
	if len(cell) > maxCellSize {
		return errors.Errorf("cell too large (max %d bytes)", maxCellSize)
	}
	if strings.Contains(cell, "\u0000") {
		return errors.New("cell contains null character")
	}
	return nil
}
