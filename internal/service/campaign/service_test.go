package campaign_test

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/intent-engine/internal/domain"
	"github.com/ignite/intent-engine/internal/quota"
	"github.com/ignite/intent-engine/internal/service/campaign"
	"github.com/ignite/intent-engine/internal/site"
	"github.com/ignite/intent-engine/internal/targeting"
)

// memRepo is an in-memory campaign repository for unit testing.
type memRepo struct {
	mu        sync.Mutex
	campaigns map[string]*domain.Campaign // keyed by id
	websites  map[string]*domain.Website
	failNext  bool
}

func newMemRepo() *memRepo {
	return &memRepo{
		campaigns: make(map[string]*domain.Campaign),
		websites: map[string]*domain.Website{
			"site-free": {ID: "site-free", Plan: domain.PlanFree},
			"site-pro":  {ID: "site-pro", Plan: domain.PlanPro},
		},
	}
}

func (m *memRepo) Get(_ context.Context, id string) (*domain.Campaign, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.campaigns[id]
	if !ok {
		return nil, campaign.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (m *memRepo) List(_ context.Context, websiteID string, status domain.CampaignStatus) ([]domain.Campaign, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Campaign
	for _, c := range m.campaigns {
		if c.WebsiteID != websiteID || (status != "" && c.Status != status) {
			continue
		}
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memRepo) Create(_ context.Context, c *domain.Campaign) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failNext {
		m.failNext = false
		return "", fmt.Errorf("connection reset")
	}
	cp := *c
	m.campaigns[cp.ID] = &cp
	return cp.ID, nil
}

func (m *memRepo) UpdateStatus(_ context.Context, id string, from, to domain.CampaignStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.campaigns[id]
	if !ok || c.Status != from {
		return campaign.ErrNotFound
	}
	c.Status = to
	return nil
}

func (m *memRepo) websitesGetter() websiteGetter { return websiteGetter{m} }

type websiteGetter struct{ m *memRepo }

func (g websiteGetter) Get(_ context.Context, id string) (*domain.Website, error) {
	w, ok := g.m.websites[id]
	if !ok {
		return nil, site.ErrNotFound
	}
	return w, nil
}

func newService(repo *memRepo) (*campaign.Service, *quota.MemoryCounter) {
	counter := quota.NewMemoryCounter()
	return campaign.NewService(repo, repo.websitesGetter(), quota.NewGuard(counter, nil)), counter
}

const pricingRules = `[{"type":"intent_at_least","value":"medium"},{"type":"utm_source_equals","value":"google"}]`

func TestCreate(t *testing.T) {
	svc, counter := newService(newMemRepo())
	c, err := svc.Create(context.Background(), "site-pro", campaign.CreateInput{Name: "Pricing nudge", Rules: []byte(pricingRules)})
	require.NoError(t, err)
	assert.Equal(t, domain.CampaignActive, c.Status)
	assert.JSONEq(t, pricingRules, string(c.Rules))

	n, _ := counter.Count(context.Background(), "site-pro", domain.ResourceCampaigns)
	assert.Equal(t, 1, n)
}

func TestCreateDefaultsToEmptyRules(t *testing.T) {
	svc, _ := newService(newMemRepo())
	c, err := svc.Create(context.Background(), "site-pro", campaign.CreateInput{Name: "Everyone", Paused: true})
	require.NoError(t, err)
	assert.Equal(t, "[]", string(c.Rules))
	assert.Equal(t, domain.CampaignPaused, c.Status)
}

func TestCreateValidation(t *testing.T) {
	svc, _ := newService(newMemRepo())
	ctx := context.Background()

	_, err := svc.Create(ctx, "site-pro", campaign.CreateInput{})
	assert.ErrorIs(t, err, campaign.ErrNameRequired)

	_, err = svc.Create(ctx, "site-pro", campaign.CreateInput{Name: "x", Rules: []byte(`[{"type":"weather","value":"sunny"}]`)})
	assert.ErrorIs(t, err, targeting.ErrInvalidRule)

	_, err = svc.Create(ctx, "missing", campaign.CreateInput{Name: "x"})
	assert.ErrorIs(t, err, site.ErrNotFound)
}

func TestCreateRespectsCampaignQuota(t *testing.T) {
	svc, _ := newService(newMemRepo())
	ctx := context.Background()

	_, err := svc.Create(ctx, "site-free", campaign.CreateInput{Name: "first"})
	require.NoError(t, err)

	_, err = svc.Create(ctx, "site-free", campaign.CreateInput{Name: "second"})
	require.ErrorIs(t, err, quota.ErrQuotaExceeded)
	var qe *quota.ExceededError
	require.ErrorAs(t, err, &qe)
	assert.Equal(t, domain.ResourceCampaigns, qe.Resource)
	assert.Equal(t, 1, qe.Limit)
}

func TestCreateReleasesSlotOnFailure(t *testing.T) {
	repo := newMemRepo()
	svc, counter := newService(repo)
	repo.failNext = true

	_, err := svc.Create(context.Background(), "site-free", campaign.CreateInput{Name: "first"})
	require.Error(t, err)
	n, _ := counter.Count(context.Background(), "site-free", domain.ResourceCampaigns)
	assert.Zero(t, n)

	_, err = svc.Create(context.Background(), "site-free", campaign.CreateInput{Name: "first"})
	assert.NoError(t, err)
}

func TestGetNotFound(t *testing.T) {
	svc, _ := newService(newMemRepo())
	_, err := svc.Get(context.Background(), "nonexistent")
	assert.ErrorIs(t, err, campaign.ErrNotFound)
}

func TestPauseActivateTransitions(t *testing.T) {
	svc, _ := newService(newMemRepo())
	ctx := context.Background()
	c, err := svc.Create(ctx, "site-pro", campaign.CreateInput{Name: "Camp"})
	require.NoError(t, err)

	got, err := svc.Pause(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.CampaignPaused, got.Status)

	active, err := svc.ListActive(ctx, "site-pro")
	require.NoError(t, err)
	assert.Empty(t, active)

	// Pausing twice is a no-op.
	_, err = svc.Pause(ctx, c.ID)
	require.NoError(t, err)

	got, err = svc.Activate(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.CampaignActive, got.Status)

	active, err = svc.ListActive(ctx, "site-pro")
	require.NoError(t, err)
	assert.Len(t, active, 1)
}

func TestArchiveIsTerminalAndFreesSlot(t *testing.T) {
	svc, counter := newService(newMemRepo())
	ctx := context.Background()
	c, err := svc.Create(ctx, "site-free", campaign.CreateInput{Name: "Camp"})
	require.NoError(t, err)

	_, err = svc.Archive(ctx, c.ID)
	require.NoError(t, err)
	n, _ := counter.Count(ctx, "site-free", domain.ResourceCampaigns)
	assert.Zero(t, n)

	_, err = svc.Activate(ctx, c.ID)
	assert.ErrorIs(t, err, campaign.ErrInvalidTransition)
	_, err = svc.Archive(ctx, c.ID)
	assert.ErrorIs(t, err, campaign.ErrInvalidTransition)

	// The freed slot can be reused on a FREE site.
	_, err = svc.Create(ctx, "site-free", campaign.CreateInput{Name: "Replacement"})
	assert.NoError(t, err)
}

func TestConcurrentArchiveReleasesOnce(t *testing.T) {
	svc, counter := newService(newMemRepo())
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := svc.Create(ctx, "site-pro", campaign.CreateInput{Name: fmt.Sprintf("c%d", i)})
		require.NoError(t, err)
	}
	list, err := svc.List(ctx, "site-pro", "")
	require.NoError(t, err)
	target := list[0].ID

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			svc.Archive(ctx, target)
		}()
	}
	wg.Wait()

	n, _ := counter.Count(ctx, "site-pro", domain.ResourceCampaigns)
	assert.Equal(t, 2, n)
}
