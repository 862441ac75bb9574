package main

import (
	"bufio"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/indigo-web/hget"
	"github.com/indigo-web/hget/config"
	"github.com/indigo-web/hget/status"
	"github.com/indigo-web/hget/transport"
	jsoniter "github.com/json-iterator/go"
	"github.com/sirupsen/logrus"
)

var (
	output    = flag.String("o", "", "output file, - for stdout. Defaults to the last path segment")
	keepAlive = flag.Bool("k", false, "keep the connection alive between consecutive urls")
	userAgent = flag.String("ua", "", "User-Agent header value")
	timeout   = flag.Duration("timeout", config.Default().NET.Timeout, "budget of every single network wait")
	insecure  = flag.Bool("insecure", false, "don't verify server certificates")
	debug     = flag.Bool("debug", false, "log every step of the fetch")
	asJSON    = flag.Bool("json", false, "print a JSON summary of every fetch")
)

type summary struct {
	URL           string  `json:"url"`
	Output        string  `json:"output"`
	ContentLength *uint64 `json:"content_length,omitempty"`
	Received      uint64  `json:"received"`
	Elapsed       string  `json:"elapsed"`
	Error         string  `json:"error,omitempty"`
	Code          int     `json:"code,omitempty"`
}

func main() {
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [flags] url...\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	urls := flag.Args()
	if len(urls) == 0 {
		flag.Usage()
		os.Exit(2)
	}

	if len(*output) > 0 && *output != "-" && len(urls) > 1 {
		fmt.Fprintln(os.Stderr, "-o accepts a file name only when a single url is given")
		os.Exit(2)
	}

	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if *debug {
		log.SetLevel(logrus.DebugLevel)
	}

	cfg := config.Default()
	cfg.NET.Timeout = *timeout
	cfg.NET.VerifyCertificates = !*insecure

	session := hget.New(transport.NewTCP()).Tune(cfg).Logger(log)
	if err := session.Init(nil, *userAgent); err != nil {
		log.WithError(err).Fatal("cannot initialize the session")
	}

	defer session.Finish()

	interrupts := make(chan os.Signal, 1)
	signal.Notify(interrupts, os.Interrupt)
	go func() {
		for range interrupts {
			session.Cancel()
		}
	}()

	failed := false
	for _, url := range urls {
		result := fetch(session, url, *output)
		if len(result.Error) > 0 {
			failed = true
			log.WithField("url", url).Error(result.Error)
		}

		if *asJSON {
			if err := jsoniter.ConfigCompatibleWithStandardLibrary.NewEncoder(os.Stdout).Encode(result); err != nil {
				log.WithError(err).Error("cannot encode the summary")
			}
		}
	}

	if failed {
		session.Finish()
		os.Exit(1)
	}
}

func fetch(session *hget.Session, url, name string) summary {
	if len(name) == 0 {
		name = fileName(url)
	}

	result := summary{URL: url, Output: name}
	start := time.Now()

	out, closeOut, err := open(name)
	if err != nil {
		result.Error = err.Error()
		return result
	}

	w := bufio.NewWriter(out)
	progress := newIndicator(os.Stderr)

	err = session.Fetch(url, hget.Callbacks{
		Progress: progress.tick,
		Data: func(b []byte) error {
			_, err := w.Write(b)
			return err
		},
		ContentLength: func(length uint64) {
			result.ContentLength = &length
		},
	}, *keepAlive)
	progress.done()

	if err == nil {
		err = w.Flush()
	}

	if cerr := closeOut(); err == nil {
		err = cerr
	}

	result.Received = session.Received()
	result.Elapsed = time.Since(start).Round(time.Millisecond).String()
	if err != nil {
		result.Error = err.Error()

		var statusErr status.Error
		if errors.As(err, &statusErr) {
			result.Code = int(statusErr.Code)
		}
	}

	return result
}

func open(name string) (io.Writer, func() error, error) {
	if name == "-" {
		return os.Stdout, func() error { return nil }, nil
	}

	file, err := os.Create(name)
	if err != nil {
		return nil, nil, err
	}

	return file, file.Close, nil
}

// fileName picks the last path segment of the url, index.html if there's none.
func fileName(url string) string {
	if i := strings.Index(url, "://"); i != -1 {
		url = url[i+len("://"):]
	}

	if i := strings.IndexAny(url, "?#"); i != -1 {
		url = url[:i]
	}

	if !strings.Contains(url, "/") {
		return "index.html"
	}

	segment := url[strings.LastIndexByte(url, '/')+1:]
	if len(segment) == 0 || segment == "." || segment == ".." {
		return "index.html"
	}

	return segment
}

// indicator prints a dot per every 1/25th of the body, or spins when the length is unknown.
type indicator struct {
	w       io.Writer
	spinner int
	printed bool
}

func newIndicator(w io.Writer) *indicator {
	return &indicator{w: w}
}

const spinnerFrames = `|/-\`

func (i *indicator) tick(indeterminate bool) {
	if indeterminate {
		if i.spinner > 0 {
			fmt.Fprint(i.w, "\b")
		}

		fmt.Fprint(i.w, string(spinnerFrames[i.spinner%len(spinnerFrames)]))
		i.spinner++
	} else {
		fmt.Fprint(i.w, ".")
	}

	i.printed = true
}

func (i *indicator) done() {
	if i.printed {
		fmt.Fprintln(i.w)
	}
}
