package crawler

import (
	"context"
	"errors"
	"testing"
	"time"

	"avitohunter/internal/model"
)

type detailPages struct {
	pages   map[string]string
	fetched []string
}

func (d *detailPages) Fetch(_ context.Context, url string) ([]byte, error) {
	d.fetched = append(d.fetched, url)
	body, ok := d.pages[url]
	if !ok {
		return nil, errors.New("status 404")
	}
	return []byte(body), nil
}

func TestDetailEnricherFillsFields(t *testing.T) {
	pages := &detailPages{pages: map[string]string{
		"https://www.avito.ru/moskva/vakansii/kurer_1": `<div data-marker="item-description-text">Курьер, полный день, без опыта</div>`,
		"https://www.avito.ru/moskva/vakansii/povar_3": `<div class="item-description">Повар, от 3 лет</div>`,
	}}
	e := NewDetailEnricher(pages, "https://www.avito.ru/", quietLogger())
	var pauses []time.Duration
	e.sleep = func(_ context.Context, d time.Duration) error {
		pauses = append(pauses, d)
		return nil
	}

	in := []model.Listing{
		{ID: 1, URLPath: "/moskva/vakansii/kurer_1"},
		{ID: 2, URLPath: "/moskva/vakansii/missing_2", Description: "короткое описание"},
		{ID: 3, URLPath: "/moskva/vakansii/povar_3"},
	}
	out := e.Enrich(context.Background(), in)

	if len(out) != 3 {
		t.Fatalf("Enrich() returned %d listings", len(out))
	}
	if in[0].DetailsParsed {
		t.Fatalf("input slice was modified")
	}
	first := out[0]
	if !first.DetailsParsed || first.EmploymentType != "Полная занятость" || first.ExperienceLevel != "Без опыта" {
		t.Errorf("first = %+v", first)
	}
	if first.DetailedDescription != "Курьер, полный день, без опыта" {
		t.Errorf("DetailedDescription = %q", first.DetailedDescription)
	}
	if out[1].DetailsParsed || out[1].Description != "короткое описание" {
		t.Errorf("failed listing should be kept unchanged: %+v", out[1])
	}
	if out[2].ExperienceLevel != "3-6 лет" {
		t.Errorf("third experience = %q", out[2].ExperienceLevel)
	}

	if len(pauses) != 2 {
		t.Fatalf("pauses = %v, expected one between each pair of listings", pauses)
	}
	for _, p := range pauses {
		if p < detailPauseMin || p > detailPauseMax {
			t.Errorf("pause %v outside [%v, %v]", p, detailPauseMin, detailPauseMax)
		}
	}
}

func TestDetailEnricherSkipsParsedAndPathless(t *testing.T) {
	pages := &detailPages{pages: map[string]string{}}
	e := NewDetailEnricher(pages, "https://www.avito.ru", quietLogger())
	e.sleep = func(context.Context, time.Duration) error { return nil }

	e.Enrich(context.Background(), []model.Listing{
		{ID: 1, URLPath: "/a_1", DetailsParsed: true},
		{ID: 2},
	})
	if len(pages.fetched) != 0 {
		t.Fatalf("fetched = %v", pages.fetched)
	}
}

func TestDetailEnricherStopsOnCancel(t *testing.T) {
	pages := &detailPages{pages: map[string]string{
		"https://www.avito.ru/a_1": `<div class="item-description">remote</div>`,
	}}
	e := NewDetailEnricher(pages, "https://www.avito.ru", quietLogger())
	ctx, cancel := context.WithCancel(context.Background())
	e.sleep = func(context.Context, time.Duration) error {
		cancel()
		return context.Canceled
	}

	out := e.Enrich(ctx, []model.Listing{{ID: 1, URLPath: "/a_1"}, {ID: 2, URLPath: "/b_2"}})
	if len(out) != 2 || !out[0].DetailsParsed || out[1].DetailsParsed {
		t.Fatalf("out = %+v", out)
	}
	if len(pages.fetched) != 1 {
		t.Fatalf("fetched = %v", pages.fetched)
	}
}
