package clix

import (
	"testing"
	"time"

	"github.com/go-test/deep"
	"github.com/urfave/cli/v2"
)

type inner struct {
	Workers int           `cli:"workers"`
	Lease   time.Duration `cli:"lease"`
}

type testConfig struct {
	Name    string   `cli:"name"`
	Verbose bool     `cli:"verbose"`
	Keys    []string `cli:"keys"`
	Missing string   `cli:"not-a-flag"`
	Inner   inner
	skipped string
}

func TestParse(t *testing.T) {
	var got testConfig
	app := &cli.App{
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "name"},
			&cli.BoolFlag{Name: "verbose"},
			&cli.StringSliceFlag{Name: "keys"},
			&cli.IntFlag{Name: "workers", Value: 5},
			&cli.DurationFlag{Name: "lease", Value: 30 * time.Second},
		},
		Action: func(c *cli.Context) error {
			got = Parse[testConfig](c)
			return nil
		},
	}

	err := app.Run([]string{"app", "--name", "sendq", "--verbose", "--keys", "a", "--keys", "b", "--lease", "1m"})
	if err != nil {
		t.Fatal(err)
	}

	want := testConfig{
		Name:    "sendq",
		Verbose: true,
		Keys:    []string{"a", "b"},
		Inner:   inner{Workers: 5, Lease: time.Minute},
	}
	if diff := deep.Equal(got, want); diff != nil {
		t.Fatal(diff)
	}
}
