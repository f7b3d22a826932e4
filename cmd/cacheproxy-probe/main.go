package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"slices"
	"strings"
	"sync"
	"time"

	arg "github.com/alexflint/go-arg"
	"github.com/charmbracelet/lipgloss"
	"golang.org/x/sync/errgroup"

	"github.com/0x4D31/cacheproxy/internal/proxy"
)

type cliArgs struct {
	Proxy       string        `arg:"-x,--proxy" help:"proxy address" default:"127.0.0.1:8080"`
	Requests    int           `arg:"-n,--requests" help:"requests per URL" default:"10"`
	Concurrency int           `arg:"-c,--concurrency" help:"requests in flight" default:"4"`
	Timeout     time.Duration `arg:"--timeout" help:"per-request deadline" default:"10s"`
	Admin       string        `arg:"-a,--admin" help:"admin API address; prints /stats after the run"`
	Token       string        `arg:"-t,--token,env:CACHEPROXY_ADMIN_TOKEN" help:"admin bearer token"`
	Output      string        `arg:"-o,--output" help:"write every result to this JSONL file"`
	URLs        []string      `arg:"positional,required" help:"absolute http:// URLs to fetch through the proxy"`
}

var (
	keyStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("69"))
	valStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("205"))
	dimStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	errStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
)

// result is the outcome of one request sent through the proxy.
type result struct {
	URL      string        `json:"url"`
	Status   string        `json:"status,omitempty"`
	Bytes    int           `json:"bytes"`
	Duration time.Duration `json:"durationNs"`
	Err      string        `json:"error,omitempty"`
}

// urlReport aggregates the results for one URL.
type urlReport struct {
	URL    string
	Count  int
	Errors int
	Bytes  int
	Min    time.Duration
	Median time.Duration
	Max    time.Duration
}

func main() {
	var args cliArgs
	p, err := arg.NewParser(arg.Config{Program: "cacheproxy-probe"}, &args)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if err := p.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, arg.ErrHelp) {
			p.WriteHelp(os.Stdout)
			return
		}
		p.Fail(err.Error())
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if err := run(ctx, args, os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, errStyle.Render(err.Error()))
		os.Exit(1)
	}
}

func run(ctx context.Context, args cliArgs, w io.Writer) error {
	if args.Requests < 1 || args.Concurrency < 1 {
		return errors.New("requests and concurrency must be >= 1")
	}
	for _, u := range args.URLs {
		if !strings.HasPrefix(strings.ToLower(u), "http://") {
			return fmt.Errorf("%s: only http:// URLs can be proxied", u)
		}
	}
	results, err := probe(ctx, args)
	if err != nil {
		return err
	}
	if args.Output != "" {
		if err := writeResults(args.Output, results); err != nil {
			return err
		}
	}
	render(w, summarize(args.URLs, results))
	if args.Admin != "" {
		st, err := fetchStats(ctx, args.Admin, args.Token)
		if err != nil {
			return fmt.Errorf("admin stats: %w", err)
		}
		renderStats(w, st)
	}
	return nil
}

// probe sends args.Requests GETs for every URL with at most
// args.Concurrency in flight.
func probe(ctx context.Context, args cliArgs) ([]result, error) {
	var (
		mu  sync.Mutex
		out []result
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(args.Concurrency)
	for i := 0; i < args.Requests; i++ {
		for _, u := range args.URLs {
			if gctx.Err() != nil {
				break
			}
			g.Go(func() error {
				r := fetch(gctx, args.Proxy, u, args.Timeout)
				mu.Lock()
				out = append(out, r)
				mu.Unlock()
				return nil
			})
		}
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, ctx.Err()
}

func fetch(ctx context.Context, proxyAddr, url string, timeout time.Duration) (res result) {
	res.URL = url
	start := time.Now()
	defer func() { res.Duration = time.Since(start) }()

	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", proxyAddr)
	if err != nil {
		res.Err = err.Error()
		return res
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(timeout))
	if _, err := fmt.Fprintf(conn, "GET %s HTTP/1.0\r\nUser-Agent: cacheproxy-probe\r\n\r\n", url); err != nil {
		res.Err = err.Error()
		return res
	}
	br := bufio.NewReader(conn)
	line, err := br.ReadString('\n')
	if err != nil {
		if errors.Is(err, io.EOF) && line == "" {
			res.Err = "connection closed without response"
		} else {
			res.Err = err.Error()
		}
		return res
	}
	res.Status = strings.TrimRight(line, "\r\n")
	n, err := io.Copy(io.Discard, br)
	res.Bytes = len(line) + int(n)
	if err != nil {
		res.Err = err.Error()
	}
	return res
}

func summarize(urls []string, results []result) []urlReport {
	byURL := make(map[string][]result)
	for _, r := range results {
		byURL[r.URL] = append(byURL[r.URL], r)
	}
	var out []urlReport
	for _, u := range urls {
		rs, ok := byURL[u]
		if !ok {
			continue
		}
		delete(byURL, u)
		rep := urlReport{URL: u, Count: len(rs)}
		var lat []time.Duration
		for _, r := range rs {
			if r.Err != "" {
				rep.Errors++
				continue
			}
			rep.Bytes += r.Bytes
			lat = append(lat, r.Duration)
		}
		if len(lat) > 0 {
			slices.Sort(lat)
			rep.Min, rep.Median, rep.Max = lat[0], lat[len(lat)/2], lat[len(lat)-1]
		}
		out = append(out, rep)
	}
	return out
}

func render(w io.Writer, reports []urlReport) {
	for _, r := range reports {
		errs := dimStyle.Render("0 errors")
		if r.Errors > 0 {
			errs = errStyle.Render(fmt.Sprintf("%d errors", r.Errors))
		}
		fmt.Fprintf(w, "%s %s  [%s %d  %s]  %s %s / %s / %s  %s %d\n",
			keyStyle.Render("URL:"), valStyle.Render(r.URL),
			keyStyle.Render("requests:"), r.Count, errs,
			keyStyle.Render("latency min/median/max:"),
			r.Min.Round(time.Microsecond), r.Median.Round(time.Microsecond), r.Max.Round(time.Microsecond),
			keyStyle.Render("bytes:"), r.Bytes)
	}
}

func writeResults(path string, results []result) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(f)
	enc.SetEscapeHTML(false)
	for _, r := range results {
		if err := enc.Encode(r); err != nil {
			_ = f.Close()
			return err
		}
	}
	return f.Close()
}

func fetchStats(ctx context.Context, addr, token string) (proxy.Stats, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+addr+"/stats", nil)
	if err != nil {
		return proxy.Stats{}, err
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return proxy.Stats{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return proxy.Stats{}, fmt.Errorf("unexpected status %s", resp.Status)
	}
	var st proxy.Stats
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return proxy.Stats{}, err
	}
	return st, nil
}

func renderStats(w io.Writer, st proxy.Stats) {
	c, p := st.Cache, st.Pool
	ratio := 0.0
	if c.Lookups > 0 {
		ratio = float64(c.Hits) / float64(c.Lookups)
	}
	fmt.Fprintln(w)
	fmt.Fprintf(w, "%s %d/%d occupied  %s %d  %s %d  %s %.2f  %s %d\n",
		keyStyle.Render("cache:"), c.Occupied, c.Slots,
		keyStyle.Render("hits:"), c.Hits,
		keyStyle.Render("misses:"), c.Misses,
		keyStyle.Render("hit ratio:"), ratio,
		keyStyle.Render("evictions:"), c.Evictions)
	fmt.Fprintf(w, "%s %d workers (%d busy)  %s %d/%d  %s %d  %s %d\n",
		keyStyle.Render("pool:"), p.Workers, p.Busy,
		keyStyle.Render("queue:"), p.Queued, p.QueueCap,
		keyStyle.Render("handled:"), p.Handled,
		keyStyle.Render("panics:"), p.Panics)
}
