package extract

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"avitohunter/internal/model"
)

// ErrNoListings 表示页面里没有目录数据（页面不是列表页，或者列表已关闭）。
var ErrNoListings = errors.New("extract: no catalog state on page")

// stateSelector 是页面内嵌状态 JSON 所在的 script 标签。
const stateSelector = `script[type="mime/invalid"][data-mfe-state="true"]`

// sellerLinkRe 匹配卖家主页链接，JSON 中的斜杠可能被转义为 \/。
var sellerLinkRe = regexp.MustCompile(`\\?/brands\\?/([^/?#"\\\s]+)`)

// catalogItem 是状态 JSON 中 data.catalog.items 的一个元素（只保留用到的字段）。
type catalogItem struct {
	ID            int64  `json:"id"`
	Title         string `json:"title"`
	Description   string `json:"description"`
	URLPath       string `json:"urlPath"`
	SortTimeStamp int64  `json:"sortTimeStamp"`
	IsReserved    bool   `json:"isReserved"`
	PriceDetailed struct {
		Value int64 `json:"value"`
	} `json:"priceDetailed"`
	Geo struct {
		FormattedAddress string `json:"formattedAddress"`
	} `json:"geo"`
	Iva struct {
		DateInfoStep []struct {
			Payload struct {
				Vas []struct {
					Title string `json:"title"`
				} `json:"vas"`
			} `json:"payload"`
		} `json:"DateInfoStep"`
	} `json:"iva"`
}

type catalogState struct {
	Data struct {
		Catalog *struct {
			Items []json.RawMessage `json:"items"`
		} `json:"catalog"`
	} `json:"data"`
}

// Extractor 从列表页 HTML 中提取候选记录。
type Extractor struct{}

// New 创建提取器。
func New() *Extractor {
	return &Extractor{}
}

// Extract 解析页面内嵌的目录状态。
//
// 提取是幂等且无副作用的。找不到状态或目录时返回 ErrNoListings；
// 目录存在但为空时返回空切片。
//
// 参数:
//
//	raw: 页面 HTML
//	sourceURL: 页面地址，仅用于错误信息
//
// 返回值:
//
//	[]model.Listing: 候选记录
//	error: 解析失败返回错误
func (e *Extractor) Extract(raw []byte, sourceURL string) ([]model.Listing, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("parse html %s: %w", sourceURL, err)
	}

	var state *catalogState
	doc.Find(stateSelector).EachWithBreak(func(_ int, s *goquery.Selection) bool {
		text := html.UnescapeString(strings.TrimSpace(s.Text()))
		var candidate catalogState
		if err := json.Unmarshal([]byte(text), &candidate); err != nil {
			return true
		}
		if candidate.Data.Catalog != nil {
			state = &candidate
			return false
		}
		return true
	})
	if state == nil {
		return nil, ErrNoListings
	}

	listings := make([]model.Listing, 0, len(state.Data.Catalog.Items))
	for _, rawItem := range state.Data.Catalog.Items {
		var item catalogItem
		if err := json.Unmarshal(rawItem, &item); err != nil || item.ID == 0 {
			continue
		}
		listings = append(listings, toListing(item, rawItem))
	}
	return listings, nil
}

func toListing(item catalogItem, rawItem []byte) model.Listing {
	l := model.Listing{
		ID:          item.ID,
		Title:       item.Title,
		Description: item.Description,
		Price:       item.PriceDetailed.Value,
		Location:    item.Geo.FormattedAddress,
		URLPath:     item.URLPath,
		IsReserved:  item.IsReserved,
	}
	if item.SortTimeStamp > 0 {
		l.PublishedAt = time.UnixMilli(item.SortTimeStamp).UTC()
	}
	if m := sellerLinkRe.FindSubmatch(rawItem); m != nil {
		l.SellerURL = "/brands/" + string(m[1])
	}
	for _, step := range item.Iva.DateInfoStep {
		for _, vas := range step.Payload.Vas {
			if vas.Title != "" {
				l.Badges = append(l.Badges, vas.Title)
			}
		}
	}
	return l
}
