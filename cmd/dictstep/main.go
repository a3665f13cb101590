package main

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/adrg/xdg"
	"github.com/joho/godotenv"
	"github.com/mandelsoft/vfs/pkg/osfs"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"

	"go.hackfix.me/dictstep/app"
	actx "go.hackfix.me/dictstep/app/context"
	aerrors "go.hackfix.me/dictstep/app/errors"
)

// envPrefix is the prefix of environment variables read from the .env file.
const envPrefix = "DICTSTEP_"

func main() {
	env := osEnv{}
	if err := loadDotenv(".env", env); err != nil {
		aerrors.Log(err)
		os.Exit(1)
	}

	a, err := app.New("dictstep",
		filepath.Join(xdg.ConfigHome, "dictstep", "config.json"),
		filepath.Join(xdg.DataHome, "dictstep"),
		app.WithTimeNow(time.Now),
		app.WithEnv(env),
		app.WithFDs(
			os.Stdin,
			colorable.NewColorable(os.Stdout),
			colorable.NewColorable(os.Stderr),
		),
		app.WithFS(osfs.New()),
		app.WithLogger(
			isatty.IsTerminal(os.Stdout.Fd()),
			isatty.IsTerminal(os.Stderr.Fd()),
		),
	)
	if err != nil {
		aerrors.Log(err)
		os.Exit(1)
	}
	if err = a.Run(os.Args[1:]); err != nil {
		aerrors.Log(err)
		os.Exit(1)
	}
}

// loadDotenv sets the dictstep variables defined in the dotenv file at path,
// unless they're already set in the process environment.
func loadDotenv(path string, env actx.Environment) error {
	values, err := godotenv.Read(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return aerrors.NewRuntimeError("failed reading dotenv file", err, "")
	}

	for k, v := range values {
		if !strings.HasPrefix(k, envPrefix) || env.Get(k) != "" {
			continue
		}
		if err = env.Set(k, v); err != nil {
			return aerrors.NewRuntimeError("failed setting environment variable", err, "")
		}
	}

	return nil
}

type osEnv struct{}

var _ actx.Environment = &osEnv{}

func (e osEnv) Get(key string) string {
	return os.Getenv(key)
}

func (e osEnv) Set(key, val string) error {
	return os.Setenv(key, val)
}
