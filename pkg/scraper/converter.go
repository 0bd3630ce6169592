package scraper

import (
	"fmt"
	"strings"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/JohannesKaufmann/html-to-markdown/plugin"
	"github.com/PuerkitoBio/goquery"
)

var noiseSelectors = []string{
	"script", "style", "noscript", "iframe", "form",
	"nav", "header", "footer", "aside",
	".navbar", ".sidebar", ".advertisement", ".comments", ".breadcrumb",
}

var mainSelectors = []string{
	"main",
	"article",
	"[role=main]",
	".content",
	"#content",
}

// Converter turns a scraped HTML page into Markdown when the scraping
// service did not return Markdown itself.
type Converter struct {
	converter *md.Converter
}

func NewConverter() *Converter {
	converter := md.NewConverter("", true, nil)
	converter.Use(plugin.GitHubFlavored())

	return &Converter{
		converter: converter,
	}
}

func (c *Converter) Convert(html string) (string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return "", fmt.Errorf("parsing HTML: %w", err)
	}

	doc.Find(strings.Join(noiseSelectors, ", ")).Remove()

	selection := doc.Find("body")
	for _, selector := range mainSelectors {
		if selected := doc.Find(selector); selected.Length() > 0 {
			selection = selected.First()
			break
		}
	}

	fragment, err := goquery.OuterHtml(selection)
	if err != nil {
		return "", fmt.Errorf("rendering HTML: %w", err)
	}

	markdown, err := c.converter.ConvertString(fragment)
	if err != nil {
		return "", fmt.Errorf("converting to markdown: %w", err)
	}

	return strings.TrimSpace(markdown), nil
}
