package market

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/leader001a/ro-market-crawler-sub001/internal/model"
)

var (
	gradeRe    = regexp.MustCompile(`(?i)\[(UNIQUE|RARE|EPIC|LEGEND|MYTHIC)\]\s*`)
	refineRe   = regexp.MustCompile(`\+(\d+)\s*`)
	cardRe     = regexp.MustCompile(`\[[^\]]+\]|\([^)]+\)`)
	dealViewRe = regexp.MustCompile(`CallItemDealView\((\d+),(\d+),`)
	mapIDRe    = regexp.MustCompile(`CallItemDealView\(\d+,\d+,'[^']*',(\d+)\)`)
	totalRe    = regexp.MustCompile(`총\s*([\d,]+)\s*건`)
	minutesRe  = regexp.MustCompile(`(\d+)분`)
	digitsRe   = regexp.MustCompile(`\d+`)
	nonDigitRe = regexp.MustCompile(`[^\d]`)
)

// ParseDealList extracts deal rows and the remote's total listing count
// from an itemDealList.asp page. Rows that fail to parse are skipped.
func ParseDealList(doc *goquery.Document, defaultServerID int) ([]model.DealItem, int) {
	total := parseTotalCount(doc)

	table := findDealTable(doc)
	if table == nil {
		return nil, total
	}

	var items []model.DealItem
	now := time.Now()
	table.Find("tr").Each(func(i int, row *goquery.Selection) {
		if i == 0 {
			return // header
		}
		cells := row.Find("td")
		if cells.Length() < 5 {
			return
		}
		item, ok := parseDealRow(cells, defaultServerID, now)
		if ok {
			items = append(items, item)
		}
	})

	return items, total
}

func findDealTable(doc *goquery.Document) *goquery.Selection {
	for _, sel := range []string{"table.dealList", "table.tbl_deal", "table#dealList"} {
		if t := doc.Find(sel).First(); t.Length() > 0 {
			return t
		}
	}
	// last resort: any table whose header mentions server/item/price
	var found *goquery.Selection
	doc.Find("table").EachWithBreak(func(_ int, t *goquery.Selection) bool {
		header := t.Find("th").Text()
		if strings.Contains(header, "서버") || strings.Contains(header, "아이템") || strings.Contains(header, "가격") {
			found = t
			return false
		}
		return true
	})
	return found
}

// Column layout: 0 server, 1 item (image + onclick link), 2 quantity,
// 3 price, 4 shop (class buy/sale), 5 optional map.
func parseDealRow(cells *goquery.Selection, defaultServerID int, now time.Time) (model.DealItem, bool) {
	item := model.DealItem{CrawledAt: now}

	serverText := strings.TrimSpace(cells.Eq(0).Text())
	item.ServerID = parseServer(serverText, defaultServerID)
	item.ServerName = model.ServerName(item.ServerID)
	if item.ServerName == "" {
		item.ServerName = serverText
	}

	itemCell := cells.Eq(1)
	name, refine, grade, cardSlots := parseItemText(itemCell.Text())
	if name == "" {
		return item, false
	}
	item.ItemName = name
	item.Refine = refine
	item.Grade = grade
	item.CardSlots = cardSlots

	if onclick, ok := itemCell.Find("a[onclick]").First().Attr("onclick"); ok {
		if m := dealViewRe.FindStringSubmatch(onclick); m != nil {
			item.ItemID, _ = strconv.Atoi(m[2])
		}
		if m := mapIDRe.FindStringSubmatch(onclick); m != nil {
			item.MapID, _ = strconv.Atoi(m[1])
		}
	}
	if src, ok := itemCell.Find("img").First().Attr("src"); ok {
		item.ImageURL = src
	}

	item.Quantity = parseNumber(cells.Eq(2).Text())
	item.Price = int64(parseNumber(cells.Eq(3).Text()))

	shopCell := cells.Eq(4)
	item.ShopName = strings.TrimSpace(shopCell.Text())
	if class, ok := shopCell.Attr("class"); ok {
		switch {
		case strings.Contains(class, "buy"):
			item.DealType = "buy"
		case strings.Contains(class, "sale"):
			item.DealType = "sale"
		}
	}

	if cells.Length() > 5 {
		item.MapName = strings.TrimSpace(cells.Eq(5).Text())
	}

	item.Signature = model.ComputeSignature(&item)
	return item, true
}

// parseItemText splits a raw item cell into name, refine level, grade
// and card-slot annotation. Grade brackets are lifted before the
// generic bracket pass so "[UNIQUE]" never ends up as a card slot.
func parseItemText(raw string) (name string, refine int, grade, cardSlots string) {
	text := strings.TrimSpace(raw)

	if m := gradeRe.FindStringSubmatch(text); m != nil {
		grade = strings.ToUpper(m[1])
		text = gradeRe.ReplaceAllString(text, "")
	}

	if m := refineRe.FindStringSubmatch(text); m != nil {
		refine, _ = strconv.Atoi(m[1])
		text = refineRe.ReplaceAllString(text, "")
	}

	if m := cardRe.FindString(text); m != "" {
		cardSlots = strings.Trim(m, "[]()")
		text = cardRe.ReplaceAllString(text, "")
	}

	name = strings.TrimSpace(text)
	return name, refine, grade, cardSlots
}

// serverLookup is an ordered name table so resolution never depends on
// map iteration order. Only API ids appear here; GNJOY internal ids are
// normalized through model.GnjoyServerMap in the numeric fallback.
var serverLookup = []struct {
	id   int
	name string
}{
	{model.ServerBaphomet, "바포메트"},
	{model.ServerYggdrasil, "이그드라실"},
	{model.ServerDarkLord, "다크로드"},
	{model.ServerIfrit, "이프리트"},
	{model.ServerAll, "전체"},
}

func parseServer(text string, fallback int) int {
	text = strings.TrimSpace(text)
	if text == "" {
		return fallback
	}
	for _, s := range serverLookup {
		if strings.Contains(text, s.name) || strings.Contains(s.name, text) {
			return s.id
		}
	}
	if m := digitsRe.FindString(text); m != "" {
		if id, err := strconv.Atoi(m); err == nil {
			if api, ok := model.GnjoyServerMap[id]; ok {
				return api
			}
			return id
		}
	}
	return fallback
}

func parseTotalCount(doc *goquery.Document) int {
	if m := totalRe.FindStringSubmatch(doc.Text()); m != nil {
		return parseNumber(m[1])
	}
	return 0
}

func parseNumber(text string) int {
	clean := nonDigitRe.ReplaceAllString(text, "")
	if clean == "" {
		return 0
	}
	n, err := strconv.Atoi(clean)
	if err != nil {
		return 0
	}
	return n
}
