package app

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/Guilhem-Bonnet/gallery-subscriber/internal/domain"
	"github.com/Guilhem-Bonnet/gallery-subscriber/internal/ports"
	"github.com/rs/zerolog"
)

// Seuils d'arrêt sur seeds déjà connus, gardés configurables.
const (
	DefaultKnownThresholdPaginated  = 5
	DefaultKnownThresholdSinglePage = 100
)

type RunnerOptions struct {
	// Nombre de fichiers déjà connus d'affilée avant d'arrêter la pagination.
	KnownThresholdPaginated  int
	KnownThresholdSinglePage int

	// Taille max du lot présenté à l'utilisateur après un run.
	PresentationLimit int

	MaxPageBytes int64
	MaxFileBytes int64

	// Compaction des ledgers après chaque sync.
	CompactKeepFiles   int
	CompactKeepGallery int

	DomainRetryDelay time.Duration

	Job JobOptions
}

func DefaultRunnerOptions() RunnerOptions {
	return RunnerOptions{
		KnownThresholdPaginated:  DefaultKnownThresholdPaginated,
		KnownThresholdSinglePage: DefaultKnownThresholdSinglePage,
		PresentationLimit:        100,
		MaxPageBytes:             16 << 20,
		CompactKeepFiles:         250,
		CompactKeepGallery:       100,
		DomainRetryDelay:         30 * time.Minute,
		Job:                      DefaultJobOptions(),
	}
}

type RunnerDeps struct {
	Repo       ports.SubscriptionRepository
	Net        *NetworkEnv
	Logins     ports.LoginManager
	Generators ports.GalleryGenerators
	Parser     ports.GalleryParser
	Importer   ports.FileImporter
	Bus        ports.EventBus
	Settings   func() domain.Settings
	Logger     zerolog.Logger
}

// SubscriptionRunner exécute un abonnement: sync des queries puis travail sur les fichiers.
type SubscriptionRunner struct {
	deps RunnerDeps
	opts RunnerOptions
	now  func() time.Time
}

func NewSubscriptionRunner(deps RunnerDeps, opts RunnerOptions) *SubscriptionRunner {
	d := DefaultRunnerOptions()
	if opts.KnownThresholdPaginated <= 0 {
		opts.KnownThresholdPaginated = d.KnownThresholdPaginated
	}
	if opts.KnownThresholdSinglePage <= 0 {
		opts.KnownThresholdSinglePage = d.KnownThresholdSinglePage
	}
	if opts.PresentationLimit <= 0 {
		opts.PresentationLimit = d.PresentationLimit
	}
	if opts.MaxPageBytes <= 0 {
		opts.MaxPageBytes = d.MaxPageBytes
	}
	if opts.CompactKeepFiles <= 0 {
		opts.CompactKeepFiles = d.CompactKeepFiles
	}
	if opts.CompactKeepGallery <= 0 {
		opts.CompactKeepGallery = d.CompactKeepGallery
	}
	if opts.DomainRetryDelay <= 0 {
		opts.DomainRetryDelay = d.DomainRetryDelay
	}
	if deps.Settings == nil {
		deps.Settings = domain.DefaultSettings
	}
	return &SubscriptionRunner{deps: deps, opts: opts, now: func() time.Time { return time.Now().UTC() }}
}

type RunResult struct {
	Name            string
	DidWork         bool
	QueriesSynced   int
	FilesDiscovered int
	FilesProcessed  int
	Err             error
}

// SubscriptionEvent est le payload publié sur le bus pour les topics subscription.*.
type SubscriptionEvent struct {
	Name        string    `json:"name"`
	Query       string    `json:"query,omitempty"`
	Code        string    `json:"code,omitempty"`
	Message     string    `json:"message,omitempty"`
	NoWorkUntil time.Time `json:"noWorkUntil,omitempty"`
	NewFiles    int       `json:"newFiles,omitempty"`
	Hashes      []string  `json:"hashes,omitempty"`
}

type runState struct {
	sub        *domain.Subscription
	settings   domain.Settings
	stop       <-chan struct{}
	log        zerolog.Logger
	result     *RunResult
	consecErrs int
	presented  []string
}

func (st *runState) stopped() bool {
	select {
	case <-st.stop:
		return true
	default:
		return false
	}
}

// Run charge l'abonnement, l'exécute et le persiste. stop demande un arrêt
// coopératif (fin du seed courant); annuler ctx interrompt aussi le réseau.
func (r *SubscriptionRunner) Run(ctx context.Context, name string, stop <-chan struct{}) RunResult {
	res := RunResult{Name: name}
	sub, err := r.deps.Repo.Get(ctx, name)
	if err != nil {
		res.Err = err
		return res
	}
	settings := r.deps.Settings()
	st := &runState{
		sub:      &sub,
		settings: settings,
		stop:     stop,
		log:      r.deps.Logger.With().Str("subscription", name).Logger(),
		result:   &res,
	}

	now := r.now()
	if sub.Paused || settings.PauseSubscriptions || sub.IsDelayed(now) {
		return res
	}
	if sub.NoWorkUntilReason != "" {
		sub.ClearDelay()
	}

	err = r.runPhases(ctx, st)
	r.applyErrorPolicy(st, err)

	if len(st.presented) > 0 {
		r.publish("subscription.files", SubscriptionEvent{Name: sub.Name, NewFiles: len(st.presented), Hashes: st.presented})
	}
	sub.UpdatedAt = r.now()
	// Persistance même après annulation: les ledgers déjà écrits restent.
	if _, perr := r.deps.Repo.Update(context.WithoutCancel(ctx), sub); perr != nil {
		st.log.Error().Err(perr).Msg("persist subscription failed")
		if res.Err == nil {
			res.Err = perr
		}
	}
	if res.Err == nil && err == nil && res.QueriesSynced > 0 {
		r.publish("subscription.synced", SubscriptionEvent{Name: sub.Name, NewFiles: res.FilesDiscovered})
	}
	return res
}

func (r *SubscriptionRunner) runPhases(ctx context.Context, st *runState) error {
	sub := st.sub
	order := sub.OrderedQueryIndexes(st.settings.QueryOrder, rand.Shuffle)

	for _, i := range order {
		if st.stopped() {
			return nil
		}
		h := &sub.Queries[i]
		if !h.IsSyncDue(r.now()) {
			continue
		}
		if err := r.syncQuery(ctx, st, h); err != nil {
			return err
		}
	}

	for _, i := range order {
		if st.stopped() {
			return nil
		}
		h := &sub.Queries[i]
		if !h.HasFileWorkToDo() {
			continue
		}
		if err := r.workQuery(ctx, st, h); err != nil {
			return err
		}
	}
	return nil
}

func (r *SubscriptionRunner) loadContainer(ctx context.Context, h *domain.SubscriptionQueryHeader) (*domain.QueryLogContainer, error) {
	c, err := r.deps.Repo.GetContainer(ctx, h.ContainerName)
	if errors.Is(err, ErrNotFound) {
		return domain.NewQueryLogContainer(h.ContainerName), nil
	}
	return c, err
}

func (r *SubscriptionRunner) saveContainer(ctx context.Context, st *runState, h *domain.SubscriptionQueryHeader, c *domain.QueryLogContainer) error {
	h.UpdateFromContainer(c)
	if err := r.deps.Repo.PutContainer(context.WithoutCancel(ctx), c); err != nil {
		st.log.Error().Err(err).Str("query", h.QueryText).Msg("persist query log failed")
		return coded(CodeUnexpected, "cannot save query log", err)
	}
	return nil
}

// gate vérifie login et santé du domaine avant toute action réseau sur rawURL.
func (r *SubscriptionRunner) gate(ctx context.Context, st *runState, rawURL string) error {
	if d := r.deps.Net.Domains; d != nil && rawURL != "" && !d.DomainOK(rawURL) {
		return coded(CodeDomainUnhealthy, fmt.Sprintf("%s has had recent network errors", domain.DomainOf(rawURL)), nil)
	}
	if r.deps.Logins == nil {
		return nil
	}
	for _, nc := range domain.ContextsForURL(rawURL) {
		if nc.Kind != domain.ContextDomain || !r.deps.Logins.NeedsLogin(nc) {
			continue
		}
		if err := r.deps.Logins.CheckCanLogin(ctx, nc); err != nil {
			return coded(CodeLoginFailed, fmt.Sprintf("login for %s is not valid", nc.Key), err)
		}
	}
	return nil
}

func (r *SubscriptionRunner) fetch(ctx context.Context, st *runState, rawURL, referral string, maxBytes int64) (*NetworkJob, error) {
	opts := r.opts.Job
	opts.MaxBytes = maxBytes
	if s := st.settings; s.ConnectionErrorWaitSeconds > 0 {
		opts.ConnectionErrorWait = s.ConnectionErrorWait()
	}
	if s := st.settings; s.ServersideBandwidthWaitSeconds > 0 {
		opts.ServersideBandwidthWait = s.ServersideBandwidthWait()
	}
	job := NewNetworkJob(r.deps.Net, JobRequest{URL: rawURL, Referral: referral, Subscription: st.sub.Name}, opts)
	return job, job.Run(ctx)
}

// recordSeedError compte les erreurs dures d'affilée; au-delà du seuil le run s'arrête.
func (r *SubscriptionRunner) recordSeedError(st *runState) error {
	st.consecErrs++
	limit := st.settings.ConsecutiveErrorThreshold
	if limit > 0 && st.consecErrs >= limit {
		return coded(CodeTooManyErrors, fmt.Sprintf("%d errors in a row, stopping this run", st.consecErrs), nil)
	}
	return nil
}

func (r *SubscriptionRunner) syncQuery(ctx context.Context, st *runState, h *domain.SubscriptionQueryHeader) error {
	sub := st.sub
	log := st.log.With().Str("query", h.QueryText).Logger()

	gen, ok := r.deps.Generators.Get(sub.GeneratorKey)
	if !ok {
		return coded(CodeUnexpected, fmt.Sprintf("unknown gallery generator %q", sub.GeneratorKey), nil)
	}
	firstPages, err := gen.GalleryURLs(h.QueryText)
	if err != nil {
		return coded(CodeUnexpected, "cannot build gallery urls", err)
	}
	if len(firstPages) == 0 {
		return coded(CodeUnexpected, "gallery generator returned no url", nil)
	}

	example := h.ExampleURL
	if example == "" {
		example = firstPages[0]
	}
	if err := r.gate(ctx, st, example); err != nil {
		return err
	}

	c, err := r.loadContainer(ctx, h)
	if err != nil {
		return coded(CodeUnexpected, "cannot load query log", err)
	}

	now := r.now()
	initial := h.IsInitialSync()
	for _, u := range firstPages {
		c.GallerySeeds.AddOrRetry(domain.NewGallerySeed(u, gen.NextPageURL(u) != "", now), now)
	}

	fileLimit := sub.FileLimit(*h, st.settings)
	seenThisRun := map[string]bool{}
	pagesThisRun := map[string]bool{}
	var discovered []*domain.FileSeed
	knownRun, totalFound, newCount := 0, 0, 0
	stopReason := ""

	flush := func() {
		// Les pages listent du plus récent au plus ancien: on ajoute à l'envers.
		for i := len(discovered) - 1; i >= 0; i-- {
			c.FileSeeds.Add(discovered[i])
		}
		st.result.FilesDiscovered += len(discovered)
		discovered = nil
	}

	var syncErr error
pages:
	for {
		if st.stopped() {
			stopReason = "stop requested"
			break
		}
		gs, ok := c.GallerySeeds.Next(domain.SeedUnknown)
		if !ok {
			break
		}
		if pagesThisRun[gs.URL] {
			_ = c.GallerySeeds.SetStatus(gs.URL, domain.SeedSuccess, "already fetched in this sync", r.now())
			continue
		}
		pagesThisRun[gs.URL] = true

		if d := r.deps.Net.Domains; d != nil && !d.DomainOK(gs.URL) {
			syncErr = coded(CodeDomainUnhealthy, fmt.Sprintf("%s has had recent network errors", domain.DomainOf(gs.URL)), nil)
			break
		}

		job, err := r.fetch(ctx, st, gs.URL, gs.ReferralURL, r.opts.MaxPageBytes)
		if err != nil {
			if IsCancelled(err) || IsNetworkClass(err) {
				syncErr = err
				break
			}
			_ = c.GallerySeeds.SetStatus(gs.URL, domain.SeedError, err.Error(), r.now())
			log.Debug().Err(err).Str("page", gs.URL).Msg("gallery page failed")
			if syncErr = r.recordSeedError(st); syncErr != nil {
				break
			}
			continue
		}

		page, err := r.deps.Parser.Parse(job.FinalURL(), job.ContentType(), job.Bytes())
		if err != nil {
			_ = c.GallerySeeds.SetStatus(gs.URL, domain.SeedError, "parse: "+err.Error(), r.now())
			if syncErr = r.recordSeedError(st); syncErr != nil {
				break
			}
			continue
		}
		st.consecErrs = 0

		threshold := r.opts.KnownThresholdSinglePage
		if gs.CanGenerateMore {
			threshold = r.opts.KnownThresholdPaginated
		}

		newOnPage := 0
		for _, f := range page.Files {
			key := strings.TrimSpace(f.URL)
			if key == "" {
				continue
			}
			totalFound++
			if seenThisRun[key] || c.FileSeeds.Has(key) {
				knownRun++
				if knownRun >= threshold {
					stopReason = fmt.Sprintf("hit %d already-seen files in a row", knownRun)
					break
				}
				continue
			}
			knownRun = 0
			seenThisRun[key] = true
			discovered = append(discovered, domain.NewURLFileSeed(key, gs.URL, f.SourceTime, r.now()))
			newOnPage++
			newCount++
			if fileLimit > 0 && newCount >= fileLimit {
				stopReason = "file limit"
				break
			}
		}
		_ = c.GallerySeeds.SetStatus(gs.URL, domain.SeedSuccess, fmt.Sprintf("%d new urls", newOnPage), r.now())

		switch {
		case stopReason == "file limit":
			r.publish("subscription.file_limit_hit", SubscriptionEvent{
				Name: sub.Name, Query: h.QueryText, NewFiles: newCount,
				Message: fmt.Sprintf("hit file limit of %d", fileLimit),
			})
			break pages
		case stopReason != "":
			break pages
		case newOnPage == 0:
			stopReason = "no new urls on page"
			break pages
		}

		next := page.NextURLs
		if len(next) == 0 && gs.CanGenerateMore {
			if u := gen.NextPageURL(gs.URL); u != "" {
				next = []string{u}
			}
		}
		for _, u := range next {
			if pagesThisRun[u] {
				continue
			}
			ns := domain.NewGallerySeed(u, true, r.now())
			ns.ReferralURL = gs.URL
			c.GallerySeeds.AddOrRetry(ns, r.now())
		}
	}

	flush()

	if syncErr == nil && stopReason != "stop requested" {
		now = r.now()
		if initial && totalFound == 0 {
			h.MarkDead(now)
			log.Info().Msg("first sync found nothing, query marked dead")
		} else {
			h.RegisterSyncComplete(sub.Checker, c, now)
		}
		r.compact(sub, c, now)
		st.result.QueriesSynced++
		st.result.DidWork = true
		log.Debug().Str("stop", stopReason).Int("found", totalFound).Msg("query synced")
	}

	if err := r.saveContainer(ctx, st, h, c); err != nil && syncErr == nil {
		syncErr = err
	}
	return syncErr
}

func (r *SubscriptionRunner) compact(sub *domain.Subscription, c *domain.QueryLogContainer, now time.Time) {
	window := sub.Checker.Death.Period
	if window <= 0 {
		window = sub.Checker.NeverSlowerThan
	}
	cutoff := now.Add(-window)
	c.FileSeeds.Compact(r.opts.CompactKeepFiles, cutoff)
	c.GallerySeeds.Compact(r.opts.CompactKeepGallery, cutoff)
}

func (r *SubscriptionRunner) workQuery(ctx context.Context, st *runState, h *domain.SubscriptionQueryHeader) error {
	log := st.log.With().Str("query", h.QueryText).Logger()

	c, err := r.loadContainer(ctx, h)
	if err != nil {
		return coded(CodeUnexpected, "cannot load query log", err)
	}

	workErr := r.workFiles(ctx, st, c, log)
	if err := r.saveContainer(ctx, st, h, c); err != nil && workErr == nil {
		workErr = err
	}
	return workErr
}

func (r *SubscriptionRunner) workFiles(ctx context.Context, st *runState, c *domain.QueryLogContainer, log zerolog.Logger) error {
	sub := st.sub
	bw := r.deps.Net.Bandwidth
	maxBytes := r.opts.MaxFileBytes
	if sub.Import.MaxSize > 0 && (maxBytes == 0 || sub.Import.MaxSize < maxBytes) {
		maxBytes = sub.Import.MaxSize
	}

	for {
		if st.stopped() {
			return nil
		}
		fs, ok := c.FileSeeds.Next(domain.SeedUnknown)
		if !ok {
			return nil
		}
		if fs.URL == "" {
			// Seed "hash" sans URL: rien à télécharger ici.
			_ = c.FileSeeds.SetStatus(fs.Key, domain.SeedVetoed, "no url to download", r.now())
			continue
		}
		if err := r.gate(ctx, st, fs.URL); err != nil {
			return err
		}
		if bw != nil && !bw.CanDoWork(domain.ContextsForSubscription(sub.Name, fs.URL), int64(r.opts.Job.ChunkSize)) {
			log.Debug().Str("file", fs.URL).Msg("bandwidth exhausted, leaving query for later")
			return nil
		}

		referral := fs.ReferralURL
		if d := r.deps.Net.Domains; d != nil {
			referral = d.GetReferralURL(fs.URL, referral)
		}
		job, err := r.fetch(ctx, st, fs.URL, referral, maxBytes)
		if err != nil {
			if IsCancelled(err) || IsNetworkClass(err) {
				// Le seed reste "unknown": il sera repris.
				return err
			}
			if ne, ok := AsNetworkError(err); ok && ne.Kind == KindTooLarge {
				_ = c.FileSeeds.SetStatus(fs.Key, domain.SeedVetoed, err.Error(), r.now())
				st.result.FilesProcessed++
				continue
			}
			_ = c.FileSeeds.SetStatus(fs.Key, domain.SeedError, err.Error(), r.now())
			st.result.FilesProcessed++
			st.result.DidWork = true
			if err := r.recordSeedError(st); err != nil {
				return err
			}
			continue
		}

		imp, err := r.deps.Importer.Import(ctx, fs, sub.Import, bytes.NewReader(job.Bytes()))
		st.result.FilesProcessed++
		st.result.DidWork = true
		if err != nil {
			_ = c.FileSeeds.SetStatus(fs.Key, domain.SeedError, "import: "+err.Error(), r.now())
			if err := r.recordSeedError(st); err != nil {
				return err
			}
			continue
		}
		status := imp.Status
		if !status.IsTerminal() {
			status = domain.SeedSuccess
		}
		_ = c.FileSeeds.SetResult(fs.Key, status, imp.Note, imp.Hash, r.now())
		st.consecErrs = 0
		if status == domain.SeedSuccess && imp.Hash != "" && len(st.presented) < r.opts.PresentationLimit {
			st.presented = append(st.presented, imp.Hash)
		}
	}
}

// applyErrorPolicy: réseau -> délai discret; login/domaine -> délai + événement;
// trop d'erreurs -> délai + erreur visible; inattendu -> pause + erreur visible.
func (r *SubscriptionRunner) applyErrorPolicy(st *runState, err error) {
	if err == nil {
		return
	}
	sub := st.sub
	now := r.now()
	if IsCancelled(err) || errors.Is(err, context.Canceled) {
		st.log.Info().Msg("subscription run cancelled")
		return
	}

	var ce *CodedError
	switch {
	case errors.As(err, &ce) && ce.Code == CodeLoginFailed:
		sub.Delay(st.settings.LoginRetryDelay(), ce.Error(), now)
		st.log.Warn().Err(err).Time("until", sub.NoWorkUntil).Msg("login check failed, delaying subscription")
		r.publish("subscription.delayed", SubscriptionEvent{Name: sub.Name, Code: ce.Code, Message: ce.Error(), NoWorkUntil: sub.NoWorkUntil})
	case errors.As(err, &ce) && ce.Code == CodeDomainUnhealthy:
		sub.Delay(r.opts.DomainRetryDelay, ce.Error(), now)
		st.log.Warn().Err(err).Time("until", sub.NoWorkUntil).Msg("domain unhealthy, delaying subscription")
		r.publish("subscription.delayed", SubscriptionEvent{Name: sub.Name, Code: ce.Code, Message: ce.Error(), NoWorkUntil: sub.NoWorkUntil})
	case IsNetworkClass(err):
		sub.Delay(st.settings.SubscriptionNetworkErrorDelay(), "network error: "+err.Error(), now)
		st.log.Info().Err(err).Time("until", sub.NoWorkUntil).Msg("network error, delaying subscription")
	case errors.As(err, &ce) && ce.Code == CodeTooManyErrors:
		sub.Delay(st.settings.SubscriptionNetworkErrorDelay(), ce.Error(), now)
		st.log.Error().Err(err).Msg("too many errors, run aborted")
		r.publish("subscription.error", SubscriptionEvent{Name: sub.Name, Code: ce.Code, Message: ce.Error(), NoWorkUntil: sub.NoWorkUntil})
	default:
		sub.Paused = true
		st.log.Error().Err(err).Msg("unexpected error, subscription paused")
		r.publish("subscription.error", SubscriptionEvent{Name: sub.Name, Code: CodeUnexpected, Message: err.Error()})
	}
	st.result.Err = err
}

func (r *SubscriptionRunner) publish(topic string, ev SubscriptionEvent) {
	if r.deps.Bus == nil {
		return
	}
	b, err := json.Marshal(ev)
	if err != nil {
		return
	}
	r.deps.Bus.Publish(topic, b)
}

// NextWorkTime renvoie le prochain instant où l'abonnement a quelque chose à faire,
// ou false s'il ne peut plus rien faire sans intervention extérieure.
func NextWorkTime(sub domain.Subscription, bw ports.BandwidthManager, now time.Time) (time.Time, bool) {
	if sub.Paused {
		return time.Time{}, false
	}
	if sub.IsDelayed(now) {
		return sub.NoWorkUntil, true
	}
	var best time.Time
	found := false
	consider := func(t time.Time) {
		if !found || t.Before(best) {
			best, found = t, true
		}
	}
	for _, h := range sub.Queries {
		if h.Paused {
			continue
		}
		if !h.IsDead() {
			switch {
			case h.CheckNow, h.NextCheckTime.IsZero():
				consider(now)
			default:
				consider(h.NextCheckTime)
			}
		}
		if h.HasFileWork {
			wait := time.Duration(0)
			if bw != nil {
				wait, _ = bw.GetWaitingEstimateAndContext(h.ExampleContexts(sub.Name))
			}
			consider(now.Add(wait))
		}
	}
	if found && best.Before(now) {
		best = now
	}
	return best, found
}
