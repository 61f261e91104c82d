package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/golang/glog"

	"golang.org/x/exp/slices"
)

const DefaultPageSize = 20

// TransformFunction projects the raw response body into the item
// sequence and the total the body reports. A total below zero means
// the body did not report one; the controller then falls back to the
// projected item count, which for raw-array bodies reflects only the
// current page. A transform error yields an empty projection.
type TransformFunction func(body []byte) (items []Entity, total int, err error)

// DefaultTransform passes the body through only when it is already a
// JSON array.
func DefaultTransform(body []byte) ([]Entity, int, error) {
	return decodeItems[*GenericItem](body)
}

// ItemsTransform decodes the body as a JSON array of T.
func ItemsTransform[T Entity]() TransformFunction {
	return func(body []byte) ([]Entity, int, error) {
		return decodeItems[T](body)
	}
}

// EnvelopeTransform decodes an object body of the form
// {"<field>": [items...], "length": total}.
func EnvelopeTransform[T Entity](field string) TransformFunction {
	return func(body []byte) ([]Entity, int, error) {
		var envelope map[string]json.RawMessage
		if err := json.Unmarshal(body, &envelope); err != nil {
			return nil, -1, err
		}
		total := -1
		if rawLength, ok := envelope["length"]; ok {
			var length int
			if err := json.Unmarshal(rawLength, &length); err == nil {
				total = length
			}
		}
		rawItems, ok := envelope[field]
		if !ok {
			return []Entity{}, total, nil
		}
		items, _, err := decodeItems[T](rawItems)
		return items, total, err
	}
}

func decodeItems[T Entity](body []byte) ([]Entity, int, error) {
	var typedItems []T
	if err := json.Unmarshal(body, &typedItems); err != nil {
		return nil, -1, err
	}
	items := make([]Entity, len(typedItems))
	for i, item := range typedItems {
		items[i] = item
	}
	return items, -1, nil
}

type FetcherSettings struct {
	PageSize int
	// when set, fetched pages are written under this key and the
	// initial items are seeded from it
	CacheKey      Key
	Transform     TransformFunction
	OnDataFetched func(body []byte)
}

func DefaultFetcherSettings() *FetcherSettings {
	return &FetcherSettings{
		PageSize:  DefaultPageSize,
		Transform: DefaultTransform,
	}
}

// FetcherState is one consistent view of a controller.
type FetcherState struct {
	Items []Entity
	// zero-based
	Page int
	// the body's reported length field when present, otherwise the
	// size of the current page
	Total   int
	Loading bool
}

// Fetcher turns a (url template, page size, cache key) into a
// displayed, paginated, cache-synchronized item list.
//
// It re-fetches whenever the page, the url, or the invalidation signal
// changes, cancelling any fetch in flight. Results are guarded by a
// request epoch: a superseded fetch that still resolves is discarded,
// so a slow earlier response can never overwrite a newer one. The item
// list is only ever replaced by committed data, never cleared first,
// so paging and refreshing do not flash an empty list.
type Fetcher struct {
	ctx    context.Context
	cancel context.CancelFunc

	transport      *AuthTransport
	store          *Store
	refreshMonitor *RefreshMonitor
	settings       *FetcherSettings

	stateMonitor *Monitor

	mutex       sync.Mutex
	url         string
	page        int
	total       int
	loading     bool
	items       []Entity
	epoch       uint64
	epochCancel context.CancelFunc
}

func NewFetcherWithDefaults(
	ctx context.Context,
	transport *AuthTransport,
	store *Store,
	refreshMonitor *RefreshMonitor,
	url string,
) *Fetcher {
	return NewFetcher(ctx, transport, store, refreshMonitor, url, DefaultFetcherSettings())
}

func NewFetcher(
	ctx context.Context,
	transport *AuthTransport,
	store *Store,
	refreshMonitor *RefreshMonitor,
	url string,
	settings *FetcherSettings,
) *Fetcher {
	if settings.PageSize <= 0 {
		settings.PageSize = DefaultPageSize
	}
	if settings.Transform == nil {
		settings.Transform = DefaultTransform
	}

	cancelCtx, cancel := context.WithCancel(ctx)
	fetcher := &Fetcher{
		ctx:            cancelCtx,
		cancel:         cancel,
		transport:      transport,
		store:          store,
		refreshMonitor: refreshMonitor,
		settings:       settings,
		stateMonitor:   NewMonitor(),
		url:            url,
		items:          []Entity{},
	}

	// seed from the cache so previously seen data renders immediately
	// while the fresh fetch is in flight
	if settings.CacheKey != "" && store != nil {
		if snapshot, ok := store.Get(settings.CacheKey); ok {
			if list, ok := snapshot.List(); ok {
				fetcher.items = list
				fetcher.total = len(list)
			}
		}
	}

	go fetcher.run()
	fetcher.refetch()
	return fetcher
}

// run re-fetches whenever the invalidation signal changes.
func (self *Fetcher) run() {
	lastGeneration := self.refreshMonitor.Read().Generation
	for {
		notify := self.refreshMonitor.NotifyChannel()

		// a changed generation is "data may be stale"; the initial
		// generation is not
		signal := self.refreshMonitor.Read()
		if signal.Generation != lastGeneration {
			lastGeneration = signal.Generation
			self.refetch()
			continue
		}

		select {
		case <-self.ctx.Done():
			return
		case <-notify:
		}
	}
}

// refetch supersedes any fetch in flight: the previous request context
// is cancelled and a new request epoch becomes the only one whose
// results may commit.
func (self *Fetcher) refetch() {
	self.mutex.Lock()
	self.epoch += 1
	epoch := self.epoch
	if self.epochCancel != nil {
		self.epochCancel()
	}
	fetchCtx, fetchCancel := context.WithCancel(self.ctx)
	self.epochCancel = fetchCancel
	self.loading = true
	url := self.url
	page := self.page
	self.mutex.Unlock()
	self.stateMonitor.NotifyAll()

	go self.fetchPage(fetchCtx, epoch, url, page)
}

func (self *Fetcher) fetchPage(ctx context.Context, epoch uint64, url string, page int) {
	pageSize := self.settings.PageSize
	separator := "?"
	if strings.Contains(url, "?") {
		separator = "&"
	}
	paginatedUrl := fmt.Sprintf("%s%slimit=%d&offset=%d", url, separator, pageSize, page*pageSize)

	req, err := http.NewRequestWithContext(ctx, "GET", paginatedUrl, nil)
	if err != nil {
		self.endLoading(epoch)
		return
	}

	r, err := self.transport.Do(req)
	if err != nil {
		// transport failure. loading ends, prior data is retained,
		// no user-visible error
		glog.V(2).Infof("[fetch]%s error = %s\n", paginatedUrl, err)
		self.endLoading(epoch)
		return
	}
	if r == nil {
		// aborted, expected and silent
		self.endLoading(epoch)
		return
	}
	defer r.Body.Close()

	if r.StatusCode != http.StatusOK {
		glog.V(2).Infof("[fetch]%s status = %d\n", paginatedUrl, r.StatusCode)
		self.endLoading(epoch)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		glog.V(2).Infof("[fetch]%s read error = %s\n", paginatedUrl, err)
		self.endLoading(epoch)
		return
	}

	items, total, err := self.settings.Transform(body)
	if err != nil {
		// malformed body defaults to an empty projection
		glog.V(2).Infof("[fetch]%s transform error = %s\n", paginatedUrl, err)
		items, total = nil, -1
	}
	if items == nil {
		items = []Entity{}
	}
	if total < 0 {
		total = len(items)
	}

	// commit only if this fetch is still the live one
	self.mutex.Lock()
	if self.epoch != epoch {
		self.mutex.Unlock()
		return
	}
	self.items = items
	self.total = total
	self.loading = false
	self.mutex.Unlock()
	self.stateMonitor.NotifyAll()

	// the cache entry holds the current page only, replaced per fetch.
	// controllers sharing a key on different pages overwrite each other.
	if self.settings.CacheKey != "" && self.store != nil {
		self.store.Replace(self.settings.CacheKey, ListSnapshot(items...))
	}

	if self.settings.OnDataFetched != nil {
		self.settings.OnDataFetched(body)
	}
}

// endLoading turns off the loading flag without touching the displayed
// items, unless a newer fetch has already taken over.
func (self *Fetcher) endLoading(epoch uint64) {
	self.mutex.Lock()
	if self.epoch != epoch {
		self.mutex.Unlock()
		return
	}
	self.loading = false
	self.mutex.Unlock()
	self.stateMonitor.NotifyAll()
}

func (self *Fetcher) State() FetcherState {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return FetcherState{
		Items:   slices.Clone(self.items),
		Page:    self.page,
		Total:   self.total,
		Loading: self.loading,
	}
}

// NotifyChannel returns a channel that is closed on the next state
// change.
func (self *Fetcher) NotifyChannel() <-chan struct{} {
	return self.stateMonitor.NotifyChannel()
}

func (self *Fetcher) Page() int {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.page
}

// SetPage navigates to a zero-based page and re-fetches.
func (self *Fetcher) SetPage(page int) {
	if page < 0 {
		page = 0
	}
	self.mutex.Lock()
	if self.page == page {
		self.mutex.Unlock()
		return
	}
	self.page = page
	self.mutex.Unlock()
	self.refetch()
}

// SetUrl changes the url template and re-fetches from the first page.
func (self *Fetcher) SetUrl(url string) {
	self.mutex.Lock()
	if self.url == url {
		self.mutex.Unlock()
		return
	}
	self.url = url
	self.page = 0
	self.mutex.Unlock()
	self.refetch()
}

// Refresh re-fetches the current page.
func (self *Fetcher) Refresh() {
	self.refetch()
}

// PageCount derives the pagination control size from the reported
// total. Controls are only worth showing when this exceeds 1.
func (self *Fetcher) PageCount() int {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	if self.total <= 0 {
		return 0
	}
	return (self.total + self.settings.PageSize - 1) / self.settings.PageSize
}

func (self *Fetcher) Close() {
	self.cancel()
}
