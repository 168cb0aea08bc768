package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"
)

func TestLoggerInit(t *testing.T) {
	if err := Init(); err != nil {
		t.Fatalf("failed to initialize logger: %v", err)
	}
	defer func() {
		if err := Sync(); err != nil {
			t.Errorf("failed to sync logger: %v", err)
		}
	}()

	if Get() == nil {
		t.Fatal("logger is nil after initialization")
	}
}

func TestLoggerOutput(t *testing.T) {
	Convey("Given a JSON logger writing to a buffer", t, func() {
		var buf bytes.Buffer
		So(InitWith(&buf, FormatJSON), ShouldBeNil)
		ctx := context.Background()

		Convey("When logging with fields", func() {
			Named("executor").With(String("epoch_id", "e-1")).Info(ctx, "transfer done",
				Int("attempts", 2),
				Duration("took", 1500*time.Millisecond),
				Error(errors.New("boom")),
			)

			Convey("Then the record carries component, fields and source", func() {
				var rec map[string]any
				So(json.Unmarshal(buf.Bytes(), &rec), ShouldBeNil)
				So(rec["msg"], ShouldEqual, "transfer done")
				So(rec["component"], ShouldEqual, "executor")
				So(rec["epoch_id"], ShouldEqual, "e-1")
				So(rec["took"], ShouldEqual, "1.5s")
				So(rec["source"], ShouldContainSubstring, "logger_test.go")
			})
		})

		Convey("When the level is raised to warn", func() {
			So(SetLevelString("warn"), ShouldBeNil)
			Get().Info(ctx, "hidden")
			Get().Warn(ctx, "visible")

			Convey("Then info records are dropped", func() {
				out := buf.String()
				So(strings.Contains(out, "hidden"), ShouldBeFalse)
				So(strings.Contains(out, "visible"), ShouldBeTrue)
			})
		})

		Convey("When an unknown level is given", func() {
			err := SetLevelString("loud")

			Convey("Then it is rejected", func() {
				So(err, ShouldNotBeNil)
			})
		})
	})
}

func TestInitWithUnknownFormat(t *testing.T) {
	if err := InitWith(&bytes.Buffer{}, Format("xml")); err == nil {
		t.Fatal("expected error for unknown format")
	}
	_ = Init()
}
