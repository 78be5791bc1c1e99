package research

import (
	"net/url"
	"strconv"
	"strings"
	"time"
)

var codeHostDomains = []string{
	"github.com", "gitlab.com", "bitbucket.org", "sourceforge.net", "stackshare.io",
}

var blogDomains = []string{
	"medium.com", "dev.to", "substack.com", "hashnode.", "wordpress.", "blogspot.",
	"engineering.", "blog.", "/blog",
}

var jobDomains = []string{
	"linkedin.com/jobs", "greenhouse.io", "lever.co", "indeed.com", "glassdoor.com",
	"workable.com", "ashbyhq.com", "/careers", "/jobs",
}

var docDomains = []string{
	"docs.", "documentation.", "readthedocs.", "/docs", "/documentation",
	"developer.", "api.", "wiki.",
}

var newsDomains = []string{
	"techcrunch.com", "reuters.com", "bloomberg.com", "theverge.com", "wired.com",
	"forbes.com", "businessinsider.com", "cnbc.com", "venturebeat.com",
	"theinformation.com", "axios.com", "news.",
}

// Domains whose content is assumed current regardless of date tokens.
var fastMovingDomains = []string{
	"news.ycombinator.com", "twitter.com", "x.com", "reddit.com", "linkedin.com",
}

// ClassifyCitation parses a citation URL into domain plus heuristic
// type and recency buckets. Classification is substring-based and never
// fails; unrecognized URLs come back as "other"/"moderate".
func ClassifyCitation(rawURL string) SourceDetail {
	detail := SourceDetail{
		URL:     rawURL,
		Domain:  extractDomain(rawURL),
		Type:    SourceOther,
		Recency: RecencyModerate,
	}

	lower := strings.ToLower(rawURL)
	switch {
	case matchesAny(lower, jobDomains):
		detail.Type = SourceJobPosting
	case matchesAny(lower, codeHostDomains):
		detail.Type = SourceCodeHost
	case matchesAny(lower, newsDomains):
		detail.Type = SourceNews
	case matchesAny(lower, docDomains):
		detail.Type = SourceDocumentation
	case matchesAny(lower, blogDomains):
		detail.Type = SourceBlog
	}

	detail.Recency = classifyRecency(lower)
	return detail
}

func classifyRecency(lower string) SourceRecency {
	if strings.Contains(lower, "archive") || strings.Contains(lower, "wayback") {
		return RecencyOlder
	}
	currentYear := time.Now().Year()
	for year := currentYear; year >= currentYear-1; year-- {
		if strings.Contains(lower, strconv.Itoa(year)) {
			return RecencyRecent
		}
	}
	for year := currentYear - 5; year >= currentYear-15; year-- {
		if strings.Contains(lower, strconv.Itoa(year)) {
			return RecencyOlder
		}
	}
	if matchesAny(lower, fastMovingDomains) {
		return RecencyRecent
	}
	return RecencyModerate
}

// BuildQuerySourceInfo aggregates a completed query's citations into
// the immutable per-query source summary.
func BuildQuerySourceInfo(templateName string, citations []string) QuerySourceInfo {
	sources := make([]SourceDetail, 0, len(citations))
	for _, c := range citations {
		sources = append(sources, ClassifyCitation(c))
	}
	return QuerySourceInfo{
		TemplateName: templateName,
		SourceCount:  len(sources),
		Sources:      sources,
		CompletedAt:  time.Now(),
	}
}

func matchesAny(s string, patterns []string) bool {
	for _, p := range patterns {
		if strings.Contains(s, p) {
			return true
		}
	}
	return false
}

func extractDomain(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	host := strings.ToLower(u.Host)
	host = strings.TrimPrefix(host, "www.")
	host = strings.TrimSuffix(host, ":80")
	host = strings.TrimSuffix(host, ":443")
	return host
}
