package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"
)

func TestDefaults(t *testing.T) {
	Convey("Given the default configuration", t, func() {
		cfg := Defaults()

		Convey("Then it validates", func() {
			So(cfg.Validate(), ShouldBeNil)
		})

		Convey("Then the TTL tiers shrink towards kickoff", func() {
			So(cfg.Cache.FarTTL.Duration, ShouldBeGreaterThanOrEqualTo, cfg.Cache.UpcomingTTL.Duration)
			So(cfg.Cache.UpcomingTTL.Duration, ShouldBeGreaterThanOrEqualTo, cfg.Cache.NearTTL.Duration)
			So(cfg.Cache.NearTTL.Duration, ShouldBeGreaterThanOrEqualTo, cfg.Cache.LiveTTL.Duration)
		})
	})
}

func TestValidate(t *testing.T) {
	Convey("Given a configuration with several problems", t, func() {
		cfg := Defaults()
		cfg.Mode = "trade"
		cfg.Cache.LiveTTL = duration{time.Hour}
		cfg.Notify.TelegramToken = "token"

		Convey("When validating", func() {
			err := cfg.Validate()

			Convey("Then every problem is reported", func() {
				So(err, ShouldNotBeNil)
				So(err.Error(), ShouldContainSubstring, `unknown mode "trade"`)
				So(err.Error(), ShouldContainSubstring, "ttl tiers must not increase")
				So(err.Error(), ShouldContainSubstring, "telegram_token and telegram_chat_id")
			})
		})
	})

	Convey("Given a leader compute bound shorter than the longest caller deadline", t, func() {
		cfg := Defaults()
		cfg.Cache.ComputeTimeout = duration{10 * time.Second}
		cfg.Cache.LeaseTTL = duration{10 * time.Millisecond}

		Convey("Then both cache settings are rejected", func() {
			err := cfg.Validate()
			So(err, ShouldNotBeNil)
			So(err.Error(), ShouldContainSubstring, "compute_timeout must be >= inference.max_deadline")
			So(err.Error(), ShouldContainSubstring, "lease_ttl must exceed lease_wait")
		})
	})

	Convey("Given memory storage without postgres settings", t, func() {
		cfg := Defaults()
		cfg.Storage = "memory"
		cfg.Postgres = PostgresConfig{}

		Convey("Then postgres is not checked", func() {
			So(cfg.Validate(), ShouldBeNil)
		})
	})
}

func TestLoad(t *testing.T) {
	Convey("Given a TOML file and environment overrides", t, func() {
		dir := t.TempDir()
		path := filepath.Join(dir, "senzu.toml")
		body := `
mode = "server"

[cache]
near_ttl = "90s"

[models]
default_scope = "laliga"
warm_scopes = ["laliga", "epl"]

[notify]
telegram_chat_id = 42
`
		So(os.WriteFile(path, []byte(body), 0o600), ShouldBeNil)
		t.Setenv("SENZU_SERVER_PORT", "9100")
		t.Setenv("SENZU_MODELS_WARM_SCOPES", "nba, ,nfl")
		t.Setenv("SENZU_INFERENCE_DEFAULT_DEADLINE", "750ms")

		Convey("When loading", func() {
			cfg, err := Load(path)

			Convey("Then file values merge over defaults and env wins", func() {
				So(err, ShouldBeNil)
				So(cfg.Mode, ShouldEqual, "server")
				So(cfg.Cache.NearTTL.Duration, ShouldEqual, 90*time.Second)
				So(cfg.Cache.FarTTL.Duration, ShouldEqual, 30*time.Minute)
				So(cfg.Models.DefaultScope, ShouldEqual, "laliga")
				So(cfg.Models.WarmScopes, ShouldResemble, []string{"nba", "nfl"})
				So(cfg.Server.Port, ShouldEqual, 9100)
				So(cfg.Inference.DefaultDeadline.Duration, ShouldEqual, 750*time.Millisecond)
				So(cfg.Notify.TelegramChatID, ShouldEqual, int64(42))
			})
		})

		Convey("When the file is missing", func() {
			cfg, err := Load(filepath.Join(dir, "absent.toml"))

			Convey("Then defaults apply", func() {
				So(err, ShouldBeNil)
				So(cfg.Storage, ShouldEqual, "postgres")
			})
		})

		Convey("When the file is malformed", func() {
			bad := filepath.Join(dir, "bad.toml")
			So(os.WriteFile(bad, []byte("mode = "), 0o600), ShouldBeNil)
			_, err := Load(bad)

			Convey("Then an error is returned", func() {
				So(err, ShouldNotBeNil)
			})
		})
	})
}

func TestRedactedConfig(t *testing.T) {
	Convey("Given a configuration with secrets", t, func() {
		cfg := Defaults()
		cfg.Postgres.Password = "pg"
		cfg.S3.SecretKey = "s3"
		cfg.Notify.TelegramToken = "tg"
		cfg.Server.APIKey = "key"

		Convey("When redacting", func() {
			out := RedactedConfig(&cfg)
			out.Notify.Events[0] = "changed"

			Convey("Then secrets are hidden and the original is untouched", func() {
				So(out.Postgres.Password, ShouldEqual, "***")
				So(out.S3.SecretKey, ShouldEqual, "***")
				So(out.Notify.TelegramToken, ShouldEqual, "***")
				So(out.Server.APIKey, ShouldEqual, "***")
				So(out.S3.AccessKey, ShouldEqual, "")
				So(cfg.Postgres.Password, ShouldEqual, "pg")
				So(cfg.Notify.Events[0], ShouldEqual, "breaker.open")
			})
		})
	})
}
