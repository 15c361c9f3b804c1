package outage

import (
	"encoding/json"
	"fmt"
	"log"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// Publisher publishes pipeline results to MQTT as retained messages, so a
// subscriber joining late immediately gets the current outage picture.
//
//	{prefix}/polygons  GeoJSON FeatureCollection of outage polygons
//	{prefix}/cells     GeoJSON FeatureCollection of grid cells
//	{prefix}/windows   JSON array of activity windows
type Publisher struct {
	client        mqtt.Client
	publishPrefix string
	qos           byte
	retain        bool
}

// NewPublisher creates a result publisher. An empty prefix falls back to
// DefaultPublishPrefix. If client is nil, publishing is disabled.
func NewPublisher(client mqtt.Client, prefix string) *Publisher {
	if prefix == "" {
		prefix = DefaultPublishPrefix
	}
	return &Publisher{
		client:        client,
		publishPrefix: prefix,
		qos:           0,    // Every refresh supersedes the last one
		retain:        true, // Retain the latest picture
	}
}

// windowsMessage is the payload of the windows topic
type windowsMessage struct {
	Windows   []TimeWindow `json:"windows"`
	Timestamp int64        `json:"timestamp"`
}

// PublishResult publishes polygons, cells and windows of res. It stops at
// the first failed publish.
func (p *Publisher) PublishResult(res *Result) error {
	if p.client == nil || !p.client.IsConnected() {
		return fmt.Errorf("MQTT client not connected")
	}
	if res == nil {
		return nil
	}

	polygons, err := PolygonsToFeatureCollection(res.Polygons).MarshalJSON()
	if err != nil {
		return fmt.Errorf("marshaling polygons: %w", err)
	}
	cells, err := CellsToFeatureCollection(res.Cells).MarshalJSON()
	if err != nil {
		return fmt.Errorf("marshaling cells: %w", err)
	}
	windows, err := json.Marshal(windowsMessage{
		Windows:   nonNil(res.Windows),
		Timestamp: res.Taken.Unix(),
	})
	if err != nil {
		return fmt.Errorf("marshaling windows: %w", err)
	}

	for _, m := range []struct {
		suffix  string
		payload []byte
	}{
		{"polygons", polygons},
		{"cells", cells},
		{"windows", windows},
	} {
		if err := p.publish(m.suffix, m.payload); err != nil {
			return err
		}
	}

	log.Printf("Published %d polygons, %d cells, %d windows to %s/",
		len(res.Polygons), len(res.Cells), len(res.Windows), p.publishPrefix)
	return nil
}

// Handler adapts PublishResult to a ResultHandler that logs failures
func (p *Publisher) Handler() ResultHandler {
	return func(res *Result) {
		if err := p.PublishResult(res); err != nil {
			log.Printf("Error publishing result: %v", err)
		}
	}
}

func (p *Publisher) publish(suffix string, payload []byte) error {
	topic := fmt.Sprintf("%s/%s", p.publishPrefix, suffix)
	token := p.client.Publish(topic, p.qos, p.retain, payload)
	if token.WaitTimeout(2*time.Second) && token.Error() != nil {
		return fmt.Errorf("publishing to %s: %w", topic, token.Error())
	}
	return nil
}

// SetQoS sets the Quality of Service level for publishing (0, 1, or 2)
func (p *Publisher) SetQoS(qos byte) {
	if qos <= 2 {
		p.qos = qos
	}
}

// SetRetain sets whether published messages should be retained by the broker
func (p *Publisher) SetRetain(retain bool) {
	p.retain = retain
}

// Prefix returns the topic prefix
func (p *Publisher) Prefix() string {
	return p.publishPrefix
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
