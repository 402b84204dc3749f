package config

import (
	"fmt"
	"io"

	"github.com/sirupsen/logrus"
	jaegerconfig "github.com/uber/jaeger-client-go/config"
	jaegermetrics "github.com/uber/jaeger-lib/metrics"
)

// LogrusHook represents a single logrus hook. At this point, only parsing and
// verification of the proper values for type and level are done.
// Validity/integrity checks on the parameters are done when configuring logrus.
type LogrusHook struct {
	// The type of hook, currently only "file" and "std" are supported.
	Type string `yaml:"type"`

	// The level of the logs to produce. Will output only this level and above.
	Level string `yaml:"level"`

	// The parameters for this hook.
	Params map[string]interface{} `yaml:"params"`
}

// Tracing configures the opentracing reporter.
type Tracing struct {
	// Set to true to enable tracer hooks. If false, no tracing is set up.
	Enabled bool `yaml:"enabled"`
	// The config for the jaeger opentracing reporter.
	Jaeger jaegerconfig.Configuration `yaml:"jaeger"`
}

func (c *Tracing) Defaults() {
	c.Enabled = false
	c.Jaeger = jaegerconfig.Configuration{
		ServiceName: "",
		Sampler:     &jaegerconfig.SamplerConfig{Type: "const", Param: 1},
		Reporter:    &jaegerconfig.ReporterConfig{LogSpans: true},
	}
}

func (c *Tracing) Verify(configErrs *ConfigErrors) {
}

func defaultLogging() []LogrusHook {
	return []LogrusHook{{Type: "std", Level: "info"}}
}

func verifyLogging(hooks []LogrusHook, configErrs *ConfigErrors) {
	for i, hook := range hooks {
		if _, err := logrus.ParseLevel(hook.Level); err != nil {
			configErrs.Add(fmt.Sprintf("invalid value for config key %q: %s", fmt.Sprintf("logging[%d].level", i), hook.Level))
		}
		switch hook.Type {
		case "std":
		case "file":
			if path, ok := hook.Params["path"].(string); !ok || path == "" {
				configErrs.Add(fmt.Sprintf("missing config key %q", fmt.Sprintf("logging[%d].params.path", i)))
			}
		default:
			configErrs.Add(fmt.Sprintf("invalid value for config key %q: %s", fmt.Sprintf("logging[%d].type", i), hook.Type))
		}
	}
}

// SetupTracing configures the opentracing using the supplied configuration.
// With tracing disabled the global tracer stays a no-op.
func (c *Bridge) SetupTracing() (closer io.Closer, err error) {
	if !c.Tracing.Enabled {
		return io.NopCloser(nil), nil
	}
	return c.Tracing.Jaeger.InitGlobalTracer(
		"PluralBridge",
		jaegerconfig.Logger(logrusLogger{logrus.StandardLogger()}),
		jaegerconfig.Metrics(jaegermetrics.NullFactory),
	)
}

// logrusLogger is a small wrapper that implements jaeger.Logger using logrus.
type logrusLogger struct {
	l *logrus.Logger
}

func (l logrusLogger) Error(msg string) {
	l.l.Error(msg)
}

func (l logrusLogger) Infof(msg string, args ...interface{}) {
	l.l.Infof(msg, args...)
}
