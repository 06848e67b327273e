package psn

import (
	"fmt"
	"net/url"
	"strings"
)

// Endpoints holds the base URLs of the PSN services. A "{region}"
// placeholder is replaced with the leased session's region.
type Endpoints struct {
	Profile   string
	Trophy    string
	Messaging string
	Store     string
}

// DefaultEndpoints returns the public PSN service URLs.
func DefaultEndpoints() Endpoints {
	return Endpoints{
		Profile:   "https://{region}-prof.np.community.playstation.net/userProfile/v1/users",
		Trophy:    "https://{region}-tpy.np.community.playstation.net/trophy/v1/trophyTitles",
		Messaging: "https://{region}-gmsg.np.community.playstation.net/groupMessaging/v1/threads",
		Store:     "https://store.playstation.com/valkyrie-api",
	}
}

func (e Endpoints) withDefaults() Endpoints {
	def := DefaultEndpoints()
	if e.Profile == "" {
		e.Profile = def.Profile
	}
	if e.Trophy == "" {
		e.Trophy = def.Trophy
	}
	if e.Messaging == "" {
		e.Messaging = def.Messaging
	}
	if e.Store == "" {
		e.Store = def.Store
	}
	return e
}

func regional(base, region string) string {
	return strings.TrimSuffix(strings.ReplaceAll(base, "{region}", region), "/")
}

// ProfileURL returns the profile of onlineID.
func (e Endpoints) ProfileURL(region, onlineID string) string {
	return fmt.Sprintf("%s/%s/profile?fields=%%40default,relation,requestMessageFlag,presence,%%40personalDetail,trophySummary",
		regional(e.Profile, region), url.PathEscape(onlineID))
}

// TitlesURL returns one page of up to 100 trophy titles of onlineID.
// offset must not exceed the user's title count.
func (e Endpoints) TitlesURL(region, lang, onlineID string, offset int) string {
	return fmt.Sprintf("%s/?fields=%%40default&npLanguage=%s&iconSize=m&platform=PS3,PSVITA,PS4&offset=%d&limit=100&comparedUser=%s",
		regional(e.Trophy, region), url.QueryEscape(lang), offset, url.QueryEscape(onlineID))
}

// TrophySetURL returns every trophy of one title as seen by onlineID.
func (e Endpoints) TrophySetURL(region, lang, onlineID, npCommunicationID string) string {
	return fmt.Sprintf("%s/%s/trophyGroups/all/trophies?fields=%%40default,trophyRare,trophyEarnedRate&npLanguage=%s&comparedUser=%s",
		regional(e.Trophy, region), url.PathEscape(npCommunicationID), url.QueryEscape(lang), url.QueryEscape(onlineID))
}

// ThreadsURL lists the message threads of the session's own account.
func (e Endpoints) ThreadsURL(region string, offset int) string {
	return fmt.Sprintf("%s?offset=%d", regional(e.Messaging, region), offset)
}

// ThreadURL returns the detail and latest 100 events of a thread.
func (e Endpoints) ThreadURL(region, threadID string) string {
	return fmt.Sprintf("%s/%s?fields=threadMembers,threadNameDetail,threadThumbnailDetail,threadProperty,latestTakedownEventDetail,newArrivalEventDetail,threadEvents&count=100",
		regional(e.Messaging, region), url.PathEscape(threadID))
}

// NewThreadURL opens a thread.
func (e Endpoints) NewThreadURL(region string) string {
	return regional(e.Messaging, region) + "/"
}

// LeaveThreadURL removes the session's own account from a thread.
func (e Endpoints) LeaveThreadURL(region, threadID string) string {
	return fmt.Sprintf("%s/%s/users/me", regional(e.Messaging, region), url.PathEscape(threadID))
}

// SendMessageURL posts a message into a thread.
func (e Endpoints) SendMessageURL(region, threadID string) string {
	return fmt.Sprintf("%s/%s/messages", regional(e.Messaging, region), url.PathEscape(threadID))
}

// StoreSearchURL searches the store by name. Spaces in name become '+'.
func (e Endpoints) StoreSearchURL(lang, region, age, name string) string {
	name = strings.ReplaceAll(name, " ", "+")
	return fmt.Sprintf("%s/%s/%s/%s/tumbler-search/%s?suggested_size=999&mode=game",
		strings.TrimSuffix(e.Store, "/"), lang, region, age, url.PathEscape(name))
}

// StoreItemURL resolves one store item.
func (e Endpoints) StoreItemURL(lang, region, age, gameID string) string {
	return fmt.Sprintf("%s/%s/%s/%s/resolve/%s",
		strings.TrimSuffix(e.Store, "/"), lang, region, age, url.PathEscape(gameID))
}
