package browser

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// Every expression below is an IIFE returning a JSON-serializable,
// non-null value so both drivers can decode it the same way.

func jsString(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}

// AuthSettings is what gets seeded into localStorage before the dashboard
// bundle boots.
type AuthSettings struct {
	Origin      string
	AccessToken string
	Lang        string
	Theme       string
	Dark        *bool
}

type storedTokens struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	HassURL      string `json:"hassUrl"`
	ClientID     string `json:"clientId"`
	Expires      int64  `json:"expires"`
	RefreshToken string `json:"refresh_token"`
}

type storedTheme struct {
	Theme string `json:"theme"`
	Dark  bool   `json:"dark"`
}

// AuthInitScript builds a script that only touches storage on origin.
func AuthInitScript(s AuthSettings) (string, error) {
	items := map[string]string{}
	marshal := func(key string, v any) error {
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("marshal %s: %w", key, err)
		}
		items[key] = string(b)
		return nil
	}

	if s.AccessToken != "" {
		if err := marshal("hassTokens", storedTokens{
			AccessToken: s.AccessToken,
			TokenType:   "Bearer",
			ExpiresIn:   1800,
			HassURL:     s.Origin,
			ClientID:    s.Origin + "/",
			Expires:     9999999999999,
		}); err != nil {
			return "", err
		}
	}
	if err := marshal("dockedSidebar", "always_hidden"); err != nil {
		return "", err
	}
	if s.Lang != "" {
		if err := marshal("selectedLanguage", s.Lang); err != nil {
			return "", err
		}
	}
	if s.Theme != "" || s.Dark != nil {
		t := storedTheme{Theme: s.Theme}
		if s.Dark != nil {
			t.Dark = *s.Dark
		}
		if err := marshal("selectedTheme", t); err != nil {
			return "", err
		}
	}

	payload, err := json.Marshal(items)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf(`(() => {
  if (location.origin !== %s) return;
  const items = %s;
  try {
    for (const [k, v] of Object.entries(items)) window.localStorage.setItem(k, v);
  } catch (e) {}
})();`, jsString(s.Origin), payload), nil
}

const appReadyScript = `(() => {
  const ha = document.querySelector("home-assistant");
  if (!ha || !ha.hass || !ha.hass.connected) return false;
  const main = ha.shadowRoot && ha.shadowRoot.querySelector("home-assistant-main");
  if (!main || !main.shadowRoot) return false;
  const resolver = main.shadowRoot.querySelector("partial-panel-resolver");
  if (!resolver || resolver._loading) return false;
  const panel = resolver.children[0];
  if (!panel) return false;
  return !panel._loading;
})()`

const spinnersVisibleScript = `(() => {
  const selectors = "ha-circular-progress, ha-spinner, mwc-circular-progress, .spinner, .loading, .skeleton, [aria-busy='true']";
  const visible = (el) => {
    const r = el.getBoundingClientRect();
    if (r.width === 0 || r.height === 0) return false;
    const s = getComputedStyle(el);
    return s.display !== "none" && s.visibility !== "hidden" && s.opacity !== "0";
  };
  const search = (root) => {
    for (const el of root.querySelectorAll(selectors)) {
      if (visible(el)) return true;
    }
    for (const el of root.querySelectorAll("*")) {
      if (el.shadowRoot && search(el.shadowRoot)) return true;
    }
    return false;
  };
  return search(document);
})()`

const dismissToastScript = `(() => {
  const find = (root) => {
    const hit = root.querySelector("ha-toast");
    if (hit) return hit;
    for (const el of root.querySelectorAll("*")) {
      if (el.shadowRoot) {
        const found = find(el.shadowRoot);
        if (found) return found;
      }
    }
    return null;
  };
  const toast = find(document);
  if (!toast) return false;
  if (typeof toast.close === "function") toast.close();
  toast.style.display = "none";
  return true;
})()`

// stabilitySampleScript returns scroll height and markup size, shadow roots included.
const stabilitySampleScript = `(() => {
  let size = 0;
  const walk = (root) => {
    for (const el of root.querySelectorAll("*")) {
      if (el.shadowRoot) {
        size += el.shadowRoot.innerHTML.length;
        walk(el.shadowRoot);
      }
    }
  };
  size += document.documentElement.outerHTML.length;
  walk(document);
  return { h: document.documentElement.scrollHeight, s: size };
})()`

type stabilitySample struct {
	H int `json:"h"`
	S int `json:"s"`
}

func clientNavigateScript(path string) string {
	return fmt.Sprintf(`(() => {
  history.replaceState(history.state, "", %s);
  window.dispatchEvent(new CustomEvent("location-changed", { detail: { replace: true } }));
  return true;
})()`, jsString(path))
}

func zoomScript(zoom float64) string {
	return fmt.Sprintf(`(() => {
  document.body.style.zoom = %s;
  return true;
})()`, jsString(strconv.FormatFloat(zoom, 'f', -1, 64)))
}

func languageScript(lang string) string {
	return fmt.Sprintf(`(() => {
  const ha = document.querySelector("home-assistant");
  if (!ha || typeof ha._selectLanguage !== "function") return false;
  ha._selectLanguage(%s, false);
  return true;
})()`, jsString(lang))
}

func themeScript(theme string, dark bool) string {
	return fmt.Sprintf(`(() => {
  const ha = document.querySelector("home-assistant");
  if (!ha) return false;
  ha.dispatchEvent(new CustomEvent("settheme", { detail: { theme: %s, dark: %t } }));
  return true;
})()`, jsString(theme), dark)
}
