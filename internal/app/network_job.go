package app

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/Guilhem-Bonnet/gallery-subscriber/internal/domain"
	"github.com/Guilhem-Bonnet/gallery-subscriber/internal/ports"
	"github.com/rs/xid"
	"github.com/rs/zerolog"
)

// JobOptions règle un NetworkJob. Les zéros prennent les valeurs par défaut.
type JobOptions struct {
	// MaxBytes protège la mémoire: 0 = pas de limite.
	MaxBytes int64

	// Reprises par plage après une coupure. POST ne reprend jamais.
	MaxResumes int

	ConnectionAttempts int
	ServerAttempts     int

	ConnectionErrorWait     time.Duration
	ServersideBandwidthWait time.Duration
	InfrastructureWait      time.Duration
	MaxBackoff              time.Duration

	ChunkSize int
	// Plafond entre deux re-vérifications de la bande passante.
	BandwidthRecheck time.Duration

	OverrideBandwidth bool
}

func DefaultJobOptions() JobOptions {
	return JobOptions{
		MaxResumes:              5,
		ConnectionAttempts:      3,
		ServerAttempts:          5,
		ConnectionErrorWait:     10 * time.Second,
		ServersideBandwidthWait: 60 * time.Second,
		InfrastructureWait:      5 * time.Second,
		MaxBackoff:              10 * time.Minute,
		ChunkSize:               64 * 1024,
		BandwidthRecheck:        time.Second,
	}
}

func (o JobOptions) withDefaults() JobOptions {
	d := DefaultJobOptions()
	if o.MaxResumes <= 0 {
		o.MaxResumes = d.MaxResumes
	}
	if o.ConnectionAttempts <= 0 {
		o.ConnectionAttempts = d.ConnectionAttempts
	}
	if o.ServerAttempts <= 0 {
		o.ServerAttempts = d.ServerAttempts
	}
	if o.ConnectionErrorWait <= 0 {
		o.ConnectionErrorWait = d.ConnectionErrorWait
	}
	if o.ServersideBandwidthWait <= 0 {
		o.ServersideBandwidthWait = d.ServersideBandwidthWait
	}
	if o.InfrastructureWait <= 0 {
		o.InfrastructureWait = d.InfrastructureWait
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = d.MaxBackoff
	}
	if o.ChunkSize <= 0 {
		o.ChunkSize = d.ChunkSize
	}
	if o.BandwidthRecheck <= 0 {
		o.BandwidthRecheck = d.BandwidthRecheck
	}
	return o
}

// NetworkEnv regroupe les collaborateurs partagés, passés explicitement.
// Bandwidth, Domains et Client doivent être sûrs en concurrence.
type NetworkEnv struct {
	Client      *http.Client
	Bandwidth   ports.BandwidthManager
	Domains     ports.DomainManager
	Challenges  ports.ChallengeSolver
	Connections *DynamicLimiter
	Registry    *JobRegistry
	Logger      zerolog.Logger
}

type JobRequest struct {
	Method       string
	URL          string
	Body         []byte
	Referral     string
	Subscription string
	// Contexts surcharge la chaîne déduite de l'URL.
	Contexts []domain.NetworkContext
	// Dest reçoit le corps; nil = tampon mémoire lisible via Bytes().
	Dest io.Writer
}

// NetworkJob exécute une requête HTTP logique jusqu'au bout: attente de bande
// passante, reprise par plage, classification des erreurs et reprises.
// Il appartient à son émetteur; seuls Snapshot et Cancel sont appelables d'ailleurs.
type NetworkJob struct {
	id       string
	req      JobRequest
	contexts []domain.NetworkContext
	opts     JobOptions
	env      *NetworkEnv
	log      zerolog.Logger

	buf  bytes.Buffer
	dest io.Writer

	mu            sync.Mutex
	state         domain.JobState
	statusText    string
	bytesRead     int64
	bytesExpected int64
	attempts      int
	err           error
	contentType   string
	finalURL      string
	created       time.Time
	updated       time.Time
	cancel        context.CancelFunc
	cancelled     bool
}

func NewNetworkJob(env *NetworkEnv, req JobRequest, opts JobOptions) *NetworkJob {
	if req.Method == "" {
		req.Method = http.MethodGet
	}
	req.Method = strings.ToUpper(req.Method)
	contexts := req.Contexts
	if len(contexts) == 0 {
		contexts = domain.ContextsForSubscription(req.Subscription, req.URL)
	}
	now := time.Now().UTC()
	j := &NetworkJob{
		id:            xid.New().String(),
		req:           req,
		contexts:      contexts,
		opts:          opts.withDefaults(),
		env:           env,
		state:         domain.JobInitialising,
		bytesExpected: -1,
		created:       now,
		updated:       now,
	}
	j.log = env.Logger.With().Str("job_id", j.id).Str("url", req.URL).Logger()
	if req.Dest != nil {
		j.dest = req.Dest
	} else {
		j.dest = &j.buf
	}
	return j
}

func (j *NetworkJob) ID() string { return j.id }

// Bytes renvoie le corps reçu quand aucun Dest n'a été fourni.
func (j *NetworkJob) Bytes() []byte { return j.buf.Bytes() }

func (j *NetworkJob) ContentType() string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.contentType
}

func (j *NetworkJob) FinalURL() string {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.finalURL == "" {
		return j.req.URL
	}
	return j.finalURL
}

func (j *NetworkJob) Err() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.err
}

// Cancel est sûr depuis n'importe quel goroutine.
func (j *NetworkJob) Cancel() {
	j.mu.Lock()
	j.cancelled = true
	cancel := j.cancel
	j.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (j *NetworkJob) Snapshot() domain.JobSnapshot {
	j.mu.Lock()
	defer j.mu.Unlock()
	s := domain.JobSnapshot{
		ID:            j.id,
		Method:        j.req.Method,
		URL:           j.req.URL,
		Subscription:  j.req.Subscription,
		State:         j.state,
		StatusText:    j.statusText,
		BytesRead:     j.bytesRead,
		BytesExpected: j.bytesExpected,
		Attempts:      j.attempts,
		CreatedAt:     j.created,
		UpdatedAt:     j.updated,
	}
	if j.err != nil {
		s.ErrorMessage = j.err.Error()
		if ne, ok := AsNetworkError(j.err); ok {
			s.ErrorCode = string(ne.Kind)
		}
	}
	return s
}

func (j *NetworkJob) setState(state domain.JobState, text string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if !domain.CanTransition(j.state, state) {
		j.log.Debug().Str("from", string(j.state)).Str("to", string(state)).Msg("unexpected job transition")
	}
	j.state = state
	j.statusText = text
	j.updated = time.Now().UTC()
}

func (j *NetworkJob) isCancelled(ctx context.Context) bool {
	j.mu.Lock()
	c := j.cancelled
	j.mu.Unlock()
	return c || ctx.Err() != nil
}

func (j *NetworkJob) fail(err error) error {
	j.mu.Lock()
	j.err = err
	j.mu.Unlock()
	j.setState(domain.JobError, err.Error())
	j.log.Debug().Err(err).Msg("network job failed")
	return err
}

// finishCancelled: pas de drapeau d'erreur, pas de rapport au domaine.
func (j *NetworkJob) finishCancelled() error {
	j.setState(domain.JobCancelled, "cancelled")
	return ErrJobCancelled
}

func (j *NetworkJob) netErr(kind NetworkErrorKind, status int, msg string, err error) *NetworkError {
	return &NetworkError{Kind: kind, Status: status, URL: j.req.URL, Message: msg, Err: err}
}

type stepKind int

const (
	stepDone stepKind = iota
	stepRetry
	stepFail
)

type stepResult struct {
	kind  stepKind
	wait  time.Duration
	state domain.JobState
	text  string
	err   error
}

// Run exécute le job. nil = terminé; ErrJobCancelled = annulé; sinon *NetworkError.
func (j *NetworkJob) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	j.mu.Lock()
	j.cancel = cancel
	already := j.cancelled
	j.mu.Unlock()
	if already {
		return j.finishCancelled()
	}

	if j.env.Registry != nil {
		j.env.Registry.add(j)
		defer j.env.Registry.finish(j)
	}

	var (
		offset         int64
		resumes        int
		connAttempts   int
		serverAttempts int
		infraAttempts  int
		challengeTried bool
	)
	maxResumes := j.opts.MaxResumes
	if j.req.Method == http.MethodPost {
		maxResumes = 0
	}

	for {
		if j.isCancelled(ctx) {
			return j.finishCancelled()
		}
		if err := j.waitForBandwidth(ctx); err != nil {
			return j.finishCancelled()
		}

		j.mu.Lock()
		j.attempts++
		j.mu.Unlock()

		res := j.attempt(ctx, &offset, &resumes, maxResumes, &connAttempts, &serverAttempts, &infraAttempts, &challengeTried)
		switch res.kind {
		case stepDone:
			j.setState(domain.JobDone, "done")
			return nil
		case stepFail:
			if errors.Is(res.err, ErrJobCancelled) {
				return j.finishCancelled()
			}
			return j.fail(res.err)
		case stepRetry:
			if res.wait > 0 {
				j.setState(res.state, res.text)
				if err := sleepCtx(ctx, res.wait); err != nil {
					return j.finishCancelled()
				}
			}
		}
	}
}

func (j *NetworkJob) waitForBandwidth(ctx context.Context) error {
	bw := j.env.Bandwidth
	if bw == nil || j.opts.OverrideBandwidth {
		return nil
	}
	for {
		if j.isCancelled(ctx) {
			return ErrJobCancelled
		}
		if bw.TryToStartRequest(j.contexts) {
			return nil
		}
		est, nc := bw.GetWaitingEstimateAndContext(j.contexts)
		wait := min(max(est, 50*time.Millisecond), j.opts.BandwidthRecheck)
		j.setState(domain.JobWaitingOnBandwidth, fmt.Sprintf("waiting on %s bandwidth (~%s)", nc, est.Round(time.Second)))
		if err := sleepCtx(ctx, wait); err != nil {
			return err
		}
	}
}

func (j *NetworkJob) newRequest(ctx context.Context, offset int64) (*http.Request, error) {
	var body io.Reader
	if j.req.Body != nil {
		body = bytes.NewReader(j.req.Body)
	}
	r, err := http.NewRequestWithContext(ctx, j.req.Method, j.req.URL, body)
	if err != nil {
		return nil, err
	}
	if d := j.env.Domains; d != nil {
		for k, vs := range d.GetHeaders(j.contexts) {
			for _, v := range vs {
				r.Header.Add(k, v)
			}
		}
		if ref := d.GetReferralURL(j.req.URL, j.req.Referral); ref != "" {
			r.Header.Set("Referer", ref)
		}
	} else if j.req.Referral != "" {
		r.Header.Set("Referer", j.req.Referral)
	}
	if offset > 0 {
		r.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	}
	return r, nil
}

func (j *NetworkJob) acquireConnection(ctx context.Context) (func(), error) {
	if j.env.Connections == nil {
		return func() {}, nil
	}
	host := domain.DomainOf(j.req.URL)
	if err := j.env.Connections.Acquire(ctx, host); err != nil {
		return nil, err
	}
	var once sync.Once
	return func() { once.Do(func() { j.env.Connections.Release(host) }) }, nil
}

func (j *NetworkJob) backoff(base time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt && d < j.opts.MaxBackoff; i++ {
		d *= 2
	}
	return min(d, j.opts.MaxBackoff)
}

func (j *NetworkJob) attempt(ctx context.Context, offset *int64, resumes *int, maxResumes int, connAttempts, serverAttempts, infraAttempts *int, challengeTried *bool) stepResult {
	release, err := j.acquireConnection(ctx)
	if err != nil {
		return stepResult{kind: stepFail, err: ErrJobCancelled}
	}
	defer release()

	req, err := j.newRequest(ctx, *offset)
	if err != nil {
		return stepResult{kind: stepFail, err: j.netErr(KindRequest, 0, "cannot build request", err)}
	}
	j.setState(domain.JobSendingRequest, "sending request")

	client := j.env.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		if j.isCancelled(ctx) {
			return stepResult{kind: stepFail, err: ErrJobCancelled}
		}
		return j.connectionError(err, connAttempts)
	}
	defer drainAndClose(resp.Body)

	j.mu.Lock()
	if resp.Request != nil && resp.Request.URL != nil {
		j.finalURL = resp.Request.URL.String()
	}
	j.contentType = resp.Header.Get("Content-Type")
	j.mu.Unlock()

	if isChallenge(resp) {
		if *challengeTried || j.env.Challenges == nil {
			return stepResult{kind: stepFail, err: j.netErr(KindCloudflare, resp.StatusCode, "challenge could not be solved", nil)}
		}
		*challengeTried = true
		if err := j.env.Challenges.Solve(ctx, req, resp); err != nil {
			return stepResult{kind: stepFail, err: j.netErr(KindCloudflare, resp.StatusCode, "challenge could not be solved", err)}
		}
		return stepResult{kind: stepRetry}
	}

	switch classifyStatus(resp.StatusCode) {
	case trackOverload:
		*serverAttempts++
		if *serverAttempts >= j.opts.ServerAttempts {
			return stepResult{kind: stepFail, err: j.netErr(KindBandwidth, resp.StatusCode, "server kept reporting overload", nil)}
		}
		wait := j.backoff(j.opts.ServersideBandwidthWait, *serverAttempts)
		if ra := parseRetryAfter(resp.Header.Get("Retry-After"), time.Now()); ra > wait {
			wait = min(ra, j.opts.MaxBackoff)
		}
		j.log.Info().Int("status", resp.StatusCode).Dur("wait", wait).Msg("server overloaded, backing off")
		return stepResult{kind: stepRetry, wait: wait, state: domain.JobWaitingOnServerOverload,
			text: fmt.Sprintf("server overloaded (%d), retrying in %s", resp.StatusCode, wait)}
	case trackInfrastructure:
		*infraAttempts++
		if *infraAttempts >= j.opts.ServerAttempts {
			return stepResult{kind: stepFail, err: j.netErr(KindInfrastructure, resp.StatusCode, "upstream kept failing", nil)}
		}
		wait := j.backoff(j.opts.InfrastructureWait, *infraAttempts)
		return stepResult{kind: stepRetry, wait: wait, state: domain.JobWaitingOnConnectionErr,
			text: fmt.Sprintf("upstream error (%d), retrying in %s", resp.StatusCode, wait)}
	case trackServer:
		return stepResult{kind: stepFail, err: j.netErr(KindServer, resp.StatusCode, "server error", nil)}
	case trackHard:
		return stepResult{kind: stepFail, err: j.netErr(KindHTTP, resp.StatusCode, "request failed", nil)}
	}

	return j.readResponse(ctx, resp, offset, resumes, maxResumes, connAttempts)
}

func (j *NetworkJob) connectionError(err error, connAttempts *int) stepResult {
	*connAttempts++
	if d := j.env.Domains; d != nil {
		d.ReportNetworkError(j.req.URL, err)
	}
	if *connAttempts >= j.opts.ConnectionAttempts {
		return stepResult{kind: stepFail, err: j.netErr(KindConnection, 0, "connection failed", err)}
	}
	wait := j.opts.ConnectionErrorWait * time.Duration(*connAttempts)
	j.log.Debug().Err(err).Int("attempt", *connAttempts).Dur("wait", wait).Msg("connection error, retrying")
	return stepResult{kind: stepRetry, wait: wait, state: domain.JobWaitingOnConnectionErr,
		text: fmt.Sprintf("connection error, retrying in %s", wait)}
}

// readResponse lit le corps par morceaux et gère la reprise par plage.
func (j *NetworkJob) readResponse(ctx context.Context, resp *http.Response, offset *int64, resumes *int, maxResumes int, connAttempts *int) stepResult {
	expected := int64(-1)
	if *offset > 0 {
		start, total, ok := parseContentRange(resp.Header.Get("Content-Range"))
		if resp.StatusCode != http.StatusPartialContent || !ok || start != *offset {
			return stepResult{kind: stepFail, err: j.netErr(KindRange, resp.StatusCode,
				fmt.Sprintf("asked to resume at byte %d, server answered from %d", *offset, start), nil)}
		}
		expected = total
	} else if resp.StatusCode == http.StatusPartialContent {
		if _, total, ok := parseContentRange(resp.Header.Get("Content-Range")); ok {
			expected = total
		}
	} else if resp.ContentLength >= 0 {
		expected = resp.ContentLength
	}

	if expected >= 0 {
		if j.opts.MaxBytes > 0 && expected > j.opts.MaxBytes {
			return stepResult{kind: stepFail, err: j.netErr(KindTooLarge, resp.StatusCode,
				fmt.Sprintf("file is %d bytes, limit is %d", expected, j.opts.MaxBytes), nil)}
		}
		j.mu.Lock()
		j.bytesExpected = expected
		j.mu.Unlock()
	}
	resumable := resp.StatusCode == http.StatusPartialContent ||
		strings.EqualFold(strings.TrimSpace(resp.Header.Get("Accept-Ranges")), "bytes")

	j.setState(domain.JobDownloading, "downloading")
	buf := make([]byte, j.opts.ChunkSize)
	for {
		if j.isCancelled(ctx) {
			return stepResult{kind: stepFail, err: ErrJobCancelled}
		}
		if err := j.waitToContinue(ctx); err != nil {
			return stepResult{kind: stepFail, err: ErrJobCancelled}
		}

		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			if _, err := j.dest.Write(buf[:n]); err != nil {
				return stepResult{kind: stepFail, err: j.netErr(KindRequest, 0, "cannot write body", err)}
			}
			*offset += int64(n)
			j.mu.Lock()
			j.bytesRead = *offset
			j.updated = time.Now().UTC()
			j.mu.Unlock()
			if bw := j.env.Bandwidth; bw != nil {
				bw.ReportDataUsed(j.contexts, int64(n))
			}
			if j.opts.MaxBytes > 0 && *offset > j.opts.MaxBytes {
				return stepResult{kind: stepFail, err: j.netErr(KindTooLarge, resp.StatusCode,
					fmt.Sprintf("file exceeded %d bytes", j.opts.MaxBytes), nil)}
			}
		}
		if rerr == nil {
			continue
		}
		if j.isCancelled(ctx) {
			return stepResult{kind: stepFail, err: ErrJobCancelled}
		}

		complete := errors.Is(rerr, io.EOF) && (expected < 0 || *offset == expected)
		if complete {
			return stepResult{kind: stepDone}
		}
		if expected >= 0 && *offset > expected {
			return stepResult{kind: stepFail, err: j.netErr(KindLength, resp.StatusCode,
				fmt.Sprintf("read %d bytes, server announced %d", *offset, expected), nil)}
		}
		return j.truncated(rerr, offset, resumes, maxResumes, resumable, connAttempts)
	}
}

func (j *NetworkJob) truncated(rerr error, offset *int64, resumes *int, maxResumes int, resumable bool, connAttempts *int) stepResult {
	if errors.Is(rerr, io.EOF) {
		rerr = io.ErrUnexpectedEOF
	}
	if j.req.Method == http.MethodPost {
		return stepResult{kind: stepFail, err: j.netErr(KindTruncated, 0, "POST response truncated", rerr)}
	}
	if !resumable {
		// Pas de plage possible: on ne repart de zéro que si on possède le tampon.
		if j.dest != io.Writer(&j.buf) {
			return stepResult{kind: stepFail, err: j.netErr(KindTruncated, 0, "transfer truncated and server does not support ranges", rerr)}
		}
		j.buf.Reset()
		*offset = 0
		j.mu.Lock()
		j.bytesRead = 0
		j.mu.Unlock()
		return j.connectionError(rerr, connAttempts)
	}
	if *resumes >= maxResumes {
		return stepResult{kind: stepFail, err: j.netErr(KindTruncated, 0,
			fmt.Sprintf("transfer truncated at byte %d after %d resumes", *offset, *resumes), rerr)}
	}
	*resumes++
	j.log.Debug().Int64("offset", *offset).Int("resume", *resumes).Msg("transfer truncated, resuming")
	j.setState(domain.JobSendingRequest, fmt.Sprintf("resuming at byte %d", *offset))
	return stepResult{kind: stepRetry}
}

// waitToContinue met le téléchargement en pause tant qu'un contexte est plein.
// Le seuil d'un octet est celui de GetWaitingEstimateAndContext.
func (j *NetworkJob) waitToContinue(ctx context.Context) error {
	bw := j.env.Bandwidth
	if bw == nil || j.opts.OverrideBandwidth {
		return nil
	}
	for !bw.CanDoWork(j.contexts, 1) {
		if j.isCancelled(ctx) {
			return ErrJobCancelled
		}
		est, nc := bw.GetWaitingEstimateAndContext(j.contexts)
		j.setState(domain.JobWaitingOnBandwidth, fmt.Sprintf("paused on %s bandwidth", nc))
		if err := sleepCtx(ctx, min(max(est, 50*time.Millisecond), j.opts.BandwidthRecheck)); err != nil {
			return err
		}
	}
	j.mu.Lock()
	if j.state == domain.JobWaitingOnBandwidth {
		j.state = domain.JobDownloading
		j.statusText = "downloading"
	}
	j.mu.Unlock()
	return nil
}

func isChallenge(resp *http.Response) bool {
	if resp.StatusCode != http.StatusForbidden && resp.StatusCode != http.StatusServiceUnavailable {
		return false
	}
	if resp.Header.Get("cf-mitigated") == "challenge" {
		return true
	}
	return resp.StatusCode == http.StatusForbidden && strings.EqualFold(resp.Header.Get("Server"), "cloudflare")
}

// parseContentRange lit "bytes start-end/total". total vaut -1 si "*".
func parseContentRange(v string) (start, total int64, ok bool) {
	v = strings.TrimSpace(v)
	if !strings.HasPrefix(v, "bytes ") {
		return 0, 0, false
	}
	v = strings.TrimPrefix(v, "bytes ")
	rng, tot, found := strings.Cut(v, "/")
	if !found {
		return 0, 0, false
	}
	s, _, found := strings.Cut(rng, "-")
	if !found {
		return 0, 0, false
	}
	start, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, 0, false
	}
	if strings.TrimSpace(tot) == "*" {
		return start, -1, true
	}
	total, err = strconv.ParseInt(strings.TrimSpace(tot), 10, 64)
	if err != nil {
		return 0, 0, false
	}
	return start, total, true
}

func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		return t.Sub(now)
	}
	return 0
}

func drainAndClose(rc io.ReadCloser) {
	_, _ = io.Copy(io.Discard, io.LimitReader(rc, 64*1024))
	_ = rc.Close()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
