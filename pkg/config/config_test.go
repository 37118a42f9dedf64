package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return path
}

func TestLoadConfig(t *testing.T) {
	Convey("LoadConfig applies defaults and parses the pricing table", t, func() {
		path := writeConfig(t, `
telegram:
  token: "123:abc"
  owner_chat_id: 42

pricing:
  default_model: small
  models:
    small:
      input: 15
      output: 60
      cache_read: 7
    big:
      input: 300
      output: 1500
`)

		cfg, err := LoadConfig(path)
		So(err, ShouldBeNil)

		So(cfg.Telegram.Token, ShouldEqual, "123:abc")
		So(cfg.Telegram.OwnerChatID, ShouldEqual, 42)
		So(cfg.Scheduler.Interval, ShouldEqual, time.Hour)
		So(cfg.Scheduler.Thresholds, ShouldResemble, []time.Duration{24 * time.Hour, 48 * time.Hour})
		So(cfg.Scheduler.MaxFollowUps(), ShouldEqual, 2)
		So(cfg.OpenAI.Timeout, ShouldEqual, 30*time.Second)

		So(cfg.Pricing.DefaultModel, ShouldEqual, "small")
		So(cfg.Pricing.Models["big"].InputCentsPerMillion, ShouldEqual, 300)
		So(cfg.Pricing.Models["small"].CacheReadCentsPerMillion, ShouldEqual, 7)
		So(cfg.Pricing.Models["small"].CacheWriteCentsPerMillion, ShouldEqual, 0)
	})

	Convey("thresholds must be strictly increasing", t, func() {
		path := writeConfig(t, `
scheduler:
  thresholds: [48h, 24h]
`)
		_, err := LoadConfig(path)
		So(err, ShouldNotBeNil)
	})

	Convey("a config without a pricing table is rejected", t, func() {
		path := writeConfig(t, `
telegram:
  token: "123:abc"
`)
		_, err := LoadConfig(path)
		So(err, ShouldNotBeNil)
	})

	Convey("the default pricing model must have a rate entry", t, func() {
		path := writeConfig(t, `
pricing:
  default_model: ghost
  models:
    real:
      input: 1
      output: 2
`)
		_, err := LoadConfig(path)
		So(err, ShouldNotBeNil)
	})
}
