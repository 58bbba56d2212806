package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"yad2-ingest/models"
	apperrors "yad2-ingest/pkg/errors"
	"yad2-ingest/storage"
	"yad2-ingest/utils"
)

func rawCar(id string, price float64) *models.RawListing {
	return &models.RawListing{
		Source:     models.SourceYad2,
		ExternalID: id,
		Title:      "טויוטה קורולה 2019",
		RawPrice:   "95,000 ₪",
		Price:      price,
		Year:       "2019",
		Mileage:    "85,000",
		Location:   "  תל אביב ,  מרכז ",
		Brand:      "טויוטה",
		Model:      "קורולה",
		URL:        "https://www.yad2.co.il/item/" + id,
		ImageURLs:  []string{"a.jpg", "a.jpg", " ", "b.jpg"},
	}
}

func newTestNormalizer(refs storage.ReferenceStore) *Normalizer {
	n := NewNormalizer(refs, utils.NewNopLogger())
	n.now = func() time.Time { return time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC) }
	return n
}

func TestNormalizeCanonicalizes(t *testing.T) {
	ctx := context.Background()
	repo := storage.NewMemoryRepository()
	n := newTestNormalizer(repo)

	l, rej, err := n.Normalize(ctx, rawCar("abc123", 95000))
	require.NoError(t, err)
	require.Nil(t, rej)

	assert.Equal(t, "abc123", l.ExternalID)
	assert.Equal(t, models.SourceYad2, l.Source)
	assert.Equal(t, 95000.0, l.Price)
	assert.Equal(t, 2019, l.Year)
	assert.Equal(t, 85000, l.MileageKm)
	assert.Equal(t, "תל אביב", l.City)
	assert.Equal(t, []string{"a.jpg", "b.jpg"}, l.ImageURLs)
	assert.Equal(t, models.StatusActive, l.Status)
	assert.Equal(t, "Toyota", l.BrandName)
	assert.Equal(t, "Corolla", l.ModelName)
	require.NotNil(t, l.ModelID)

	brand, err := repo.GetOrCreateBrand(ctx, "toyota")
	require.NoError(t, err)
	assert.Equal(t, brand.ID, l.BrandID, "Hebrew alias resolves to the canonical brand row")
}

func TestNormalizeRejections(t *testing.T) {
	ctx := context.Background()
	n := newTestNormalizer(storage.NewMemoryRepository())

	noID := rawCar("", 95000)
	dash := rawCar("dash", 0)
	dash.RawPrice = "—"
	dash.PriceInvalid = true
	noBrand := rawCar("nobrand", 95000)
	noBrand.Brand = "  "

	tests := []struct {
		name string
		raw  *models.RawListing
		want RejectReason
	}{
		{"missing id", noID, RejectMissingID},
		{"dash price", dash, RejectInvalidPrice},
		{"zero price", rawCar("zero", 0), RejectInvalidPrice},
		{"missing brand", noBrand, RejectMissingBrand},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l, rej, err := n.Normalize(ctx, tt.raw)
			require.NoError(t, err)
			assert.Nil(t, l)
			require.NotNil(t, rej)
			assert.Equal(t, tt.want, rej.Reason)
			assert.True(t, apperrors.Is(rej.Err(), apperrors.ErrorTypeValidation))
		})
	}
}

func TestNormalizeUnknownBrandAndOddYear(t *testing.T) {
	n := newTestNormalizer(storage.NewMemoryRepository())

	raw := rawCar("x1", 30000)
	raw.Brand = "Lada"
	raw.Model = ""
	raw.Year = "1899"

	l, rej, err := n.Normalize(context.Background(), raw)
	require.NoError(t, err)
	require.Nil(t, rej)
	assert.Equal(t, "Lada", l.BrandName)
	assert.Nil(t, l.ModelID)
	assert.Zero(t, l.Year)
}

type failingRefs struct{ calls int }

func (f *failingRefs) GetOrCreateBrand(context.Context, string) (*models.Brand, error) {
	f.calls++
	return nil, apperrors.NewRepository("test", "down", errors.New("connection refused"))
}

func (f *failingRefs) GetOrCreateModel(context.Context, int64, string) (*models.CarModel, error) {
	f.calls++
	return nil, errors.New("unreachable")
}

func TestNormalizeReferenceFailure(t *testing.T) {
	refs := &failingRefs{}
	n := newTestNormalizer(refs)

	l, rej, err := n.Normalize(context.Background(), rawCar("abc", 1000))
	assert.Nil(t, l)
	assert.Nil(t, rej)
	assert.True(t, apperrors.Is(err, apperrors.ErrorTypeRepository))
}

type countingRefs struct {
	*storage.MemoryRepository
	brandCalls int
}

func (c *countingRefs) GetOrCreateBrand(ctx context.Context, name string) (*models.Brand, error) {
	c.brandCalls++
	return c.MemoryRepository.GetOrCreateBrand(ctx, name)
}

func TestNormalizeCachesReferenceRows(t *testing.T) {
	refs := &countingRefs{MemoryRepository: storage.NewMemoryRepository()}
	n := newTestNormalizer(refs)

	for _, id := range []string{"a", "b", "c"} {
		_, rej, err := n.Normalize(context.Background(), rawCar(id, 1000))
		require.NoError(t, err)
		require.Nil(t, rej)
	}
	assert.Equal(t, 1, refs.brandCalls)
}

func TestPreloadSeedsCatalog(t *testing.T) {
	ctx := context.Background()
	repo := storage.NewMemoryRepository()
	n := newTestNormalizer(repo)

	require.NoError(t, n.Preload(ctx))

	brand, err := repo.GetOrCreateBrand(ctx, "Hyundai")
	require.NoError(t, err)
	model, err := repo.GetOrCreateModel(ctx, brand.ID, "ioniq 5")
	require.NoError(t, err)
	assert.Equal(t, "IONIQ 5", model.Name, "seeded spelling is kept")
}

func TestCanonicalBrand(t *testing.T) {
	tests := []struct {
		in    string
		want  string
		known bool
	}{
		{"טויוטה", "Toyota", true},
		{"ב.מ.וו", "BMW", true},
		{" mercedes-benz ", "Mercedes", true},
		{"TOYOTA", "Toyota", true},
		{"Lada  Niva", "Lada Niva", false},
		{"", "", false},
	}
	for _, tt := range tests {
		got, known := CanonicalBrand(tt.in)
		assert.Equal(t, tt.want, got, tt.in)
		assert.Equal(t, tt.known, known, tt.in)
	}

	assert.True(t, KnownBrand("ב מ וו"))
	assert.True(t, KnownBrand("Mercedes Benz"))
	assert.False(t, KnownBrand("ב"))

	assert.Equal(t, "Corolla", CanonicalModel("Toyota", "קורולה"))
	assert.Equal(t, "CX-5", CanonicalModel("Mazda", "cx-5"))
	assert.Equal(t, "Niva", CanonicalModel("Lada", " Niva "))
}
