package psn

// Response models for the common PSN endpoints. Fields the services send
// but these types omit are ignored; callers needing more can decode into
// their own types with Client.Get.

// Profile is returned by GetProfile.
type Profile struct {
	OnlineID      string        `json:"onlineId"`
	NpID          string        `json:"npId"`
	Region        string        `json:"region"`
	AvatarURL     string        `json:"avatarUrl"`
	AboutMe       string        `json:"aboutMe"`
	LanguagesUsed []string      `json:"languagesUsed"`
	Plus          int           `json:"plus"`
	TrophySummary TrophySummary `json:"trophySummary"`
}

// TrophySummary is a user's trophy level.
type TrophySummary struct {
	Level          int          `json:"level"`
	Progress       int          `json:"progress"`
	EarnedTrophies TrophyCounts `json:"earnedTrophies"`
}

// TrophyCounts counts trophies by grade.
type TrophyCounts struct {
	Platinum int `json:"platinum"`
	Gold     int `json:"gold"`
	Silver   int `json:"silver"`
	Bronze   int `json:"bronze"`
}

// Total returns the number of trophies of every grade.
func (c TrophyCounts) Total() int {
	return c.Platinum + c.Gold + c.Silver + c.Bronze
}

// TrophyTitles is one page of GetTitles.
type TrophyTitles struct {
	TotalResults int           `json:"totalResults"`
	Offset       int           `json:"offset"`
	Limit        int           `json:"limit"`
	TrophyTitles []TrophyTitle `json:"trophyTitles"`
}

// TrophyTitle is one game in a user's trophy list.
type TrophyTitle struct {
	NpCommunicationID string       `json:"npCommunicationId"`
	Name              string       `json:"trophyTitleName"`
	Detail            string       `json:"trophyTitleDetail"`
	IconURL           string       `json:"trophyTitleIconUrl"`
	Platform          string       `json:"trophyTitlePlatfrom"`
	HasTrophyGroups   bool         `json:"hasTrophyGroups"`
	DefinedTrophies   TrophyCounts `json:"definedTrophies"`
	ComparedUser      TitleDetail  `json:"comparedUser"`
}

// TitleDetail is the compared user's progress in one title.
type TitleDetail struct {
	Progress       int          `json:"progress"`
	EarnedTrophies TrophyCounts `json:"earnedTrophies"`
	LastUpdateDate string       `json:"lastUpdateDate"`
}

// TrophySet is returned by GetTrophySet.
type TrophySet struct {
	Trophies []Trophy `json:"trophies"`
}

// Trophy is one trophy of a title. Hidden trophies the session's own
// account has not earned come back without type, name, detail or icon.
type Trophy struct {
	ID           int        `json:"trophyId"`
	Hidden       bool       `json:"trophyHidden"`
	Type         *string    `json:"trophyType"`
	Name         *string    `json:"trophyName"`
	Detail       *string    `json:"trophyDetail"`
	IconURL      *string    `json:"trophyIconUrl"`
	Rare         int        `json:"trophyRare"`
	EarnedRate   string     `json:"trophyEarnedRate"`
	ComparedUser TrophyUser `json:"comparedUser"`
}

// TrophyUser tells whether the compared user earned a trophy.
type TrophyUser struct {
	OnlineID   string  `json:"onlineId"`
	Earned     bool    `json:"earned"`
	EarnedDate *string `json:"earnedDate"`
}

// MessageThreadNew is returned when a thread is opened.
type MessageThreadNew struct {
	ThreadID           string `json:"threadId"`
	ThreadModifiedDate string `json:"threadModifiedDate"`
	BlockedByMembers   bool   `json:"blockedByMembers"`
}

// MessageThreadResponse is returned by SendMessage.
type MessageThreadResponse struct {
	ThreadID           string `json:"threadId"`
	ThreadModifiedDate string `json:"threadModifiedDate"`
	EventIndex         string `json:"eventIndex"`
}

// MessageThreadsSummary is one page of GetMessageThreads.
type MessageThreadsSummary struct {
	Threads   []MessageThreadSummary `json:"threads"`
	Start     int                    `json:"start"`
	Size      int                    `json:"size"`
	TotalSize int                    `json:"totalSize"`
}

// MessageThreadSummary identifies one thread.
type MessageThreadSummary struct {
	ThreadID           string `json:"threadId"`
	ThreadType         int    `json:"threadType"`
	ThreadModifiedDate string `json:"threadModifiedDate"`
}

// MessageThread is returned by GetMessageThread.
type MessageThread struct {
	ThreadID              string         `json:"threadId"`
	ThreadType            int            `json:"threadType"`
	ThreadModifiedDate    string         `json:"threadModifiedDate"`
	ThreadMembers         []ThreadMember `json:"threadMembers"`
	ThreadNameDetail      ThreadName     `json:"threadNameDetail"`
	ThreadProperty        ThreadProperty `json:"threadProperty"`
	NewArrivalEventDetail struct {
		NewArrivalEventFlag bool `json:"newArrivalEventFlag"`
	} `json:"newArrivalEventDetail"`
	ThreadEvents          []ThreadEvent `json:"threadEvents"`
	ResultsCount          int           `json:"resultsCount"`
	MaxEventIndexCursor   string        `json:"maxEventIndexCursor"`
	SinceEventIndexCursor string        `json:"sinceEventIndexCursor"`
	LatestEventIndex      string        `json:"latestEventIndex"`
	EndOfThreadEvent      bool          `json:"endOfThreadEvent"`
}

// ThreadMember is one participant of a thread.
type ThreadMember struct {
	AccountID string `json:"accountId"`
	OnlineID  string `json:"onlineId"`
}

// ThreadName is a thread's display name.
type ThreadName struct {
	Status     int    `json:"status"`
	ThreadName string `json:"threadName"`
}

// ThreadProperty holds the session account's settings for a thread.
type ThreadProperty struct {
	FavoriteDetail struct {
		FavoriteFlag bool `json:"favoriteFlag"`
	} `json:"favoriteDetail"`
	NotificationDetail struct {
		PushNotificationFlag bool `json:"pushNotificationFlag"`
	} `json:"notificationDetail"`
	KickoutFlag    bool   `json:"kickoutFlag"`
	ThreadJoinDate string `json:"threadJoinDate"`
}

// ThreadEvent is one message of a thread.
type ThreadEvent struct {
	MessageEventDetail MessageEventDetail `json:"messageEventDetail"`
}

// MessageEventDetail describes one message.
type MessageEventDetail struct {
	EventIndex           string        `json:"eventIndex"`
	PostDate             string        `json:"postDate"`
	EventCategoryCode    int           `json:"eventCategoryCode"`
	AltEventCategoryCode int           `json:"altEventCategoryCode"`
	Sender               ThreadMember  `json:"sender"`
	AttachedMediaPath    *string       `json:"attachedMediaPath"`
	MessageDetail        MessageDetail `json:"messageDetail"`
}

// MessageDetail is a message body.
type MessageDetail struct {
	Body *string `json:"body"`
}

// StoreSearchResult is returned by SearchStoreItems and GetStoreItem.
type StoreSearchResult struct {
	Included []StoreItem `json:"included"`
}

// StoreItem is one product in the store.
type StoreItem struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	Attributes StoreAttribute `json:"attributes"`
}

// StoreAttribute is the subset of a product's attributes most callers use.
type StoreAttribute struct {
	Name                  string     `json:"name"`
	ContentType           string     `json:"content-type"`
	DefaultSkuID          string     `json:"default-sku-id"`
	GameContentType       string     `json:"game-content-type"`
	Genres                []string   `json:"genres"`
	Platforms             []string   `json:"platforms"`
	ProviderName          string     `json:"provider-name"`
	ReleaseDate           string     `json:"release-date"`
	LongDescription       string     `json:"long-description"`
	ThumbnailURLBase      string     `json:"thumbnail-url-base"`
	PrimaryClassification string     `json:"primary-classification"`
	StarRating            StarRating `json:"star-rating"`
	Skus                  []Sku      `json:"skus"`
}

// StarRating is the store's user rating of a product.
type StarRating struct {
	Score *float64 `json:"score"`
	Total *int     `json:"total"`
}

// Sku is one purchasable variant of a product.
type Sku struct {
	ID              string `json:"id"`
	Name            string `json:"name"`
	IsPreorder      bool   `json:"is-preorder"`
	PlayabilityDate string `json:"playability-date"`
	Prices          struct {
		NonPlusUser PriceData `json:"non-plus-user"`
		PlusUser    PriceData `json:"plus-user"`
	} `json:"prices"`
}

// PriceData is a sku's price for one kind of customer.
type PriceData struct {
	ActualPrice        PriceDisplay  `json:"actual-price"`
	DiscountPercentage int           `json:"discount-percentage"`
	IsPlus             bool          `json:"is-plus"`
	StrikethroughPrice *PriceDisplay `json:"strikethrough-price"`
}

// PriceDisplay is a price in minor units with its formatted string.
type PriceDisplay struct {
	Display string `json:"display"`
	Value   int    `json:"value"`
}
