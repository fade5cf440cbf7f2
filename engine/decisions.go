package engine

import "github.com/crawlkit/crawlkit"

type hookKind int

const (
	hookShouldRequest hookKind = iota
	hookNeedsContent
)

type decisionKey struct {
	hook hookKind
	uri  string
	sub  int
}

// decisionCache memoizes subscriber verdicts for the duration of one crawl
// pass, keyed by hook, URI identity and subscriber registration index. A
// verdict that was never polled reads as Abstain.
type decisionCache struct {
	verdicts map[decisionKey]crawlkit.Verdict
}

func newDecisionCache() *decisionCache {
	return &decisionCache{
		verdicts: make(map[decisionKey]crawlkit.Verdict),
	}
}

func (d *decisionCache) get(hook hookKind, uri string, sub int) (crawlkit.Verdict, bool) {
	v, ok := d.verdicts[decisionKey{hook: hook, uri: uri, sub: sub}]
	return v, ok
}

func (d *decisionCache) put(hook hookKind, uri string, sub int, v crawlkit.Verdict) {
	d.verdicts[decisionKey{hook: hook, uri: uri, sub: sub}] = v
}

// verdict returns the stored verdict, defaulting to Abstain on a miss.
func (d *decisionCache) verdict(hook hookKind, uri string, sub int) crawlkit.Verdict {
	v, _ := d.get(hook, uri, sub)
	return v
}
