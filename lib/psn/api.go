package psn

import (
	"context"
	"fmt"
	"net/http"
	"os"

	apperrors "github.com/go-i2p/psnpool/lib/errors"
	"github.com/go-i2p/psnpool/lib/session"
	"github.com/go-i2p/psnpool/lib/validation"
)

// URLFunc builds the URL of a call for the leased session.
type URLFunc func(e Endpoints, s *session.Session) string

// Get fetches the URL built by endpoint and decodes the JSON response into
// out. It serves calls the typed methods do not cover.
func (c *Client) Get(ctx context.Context, endpoint URLFunc, out any) error {
	return c.with(ctx, "get", func(ctx context.Context, s *session.Session, via doer) error {
		return c.getJSON(ctx, via, s, endpoint(c.endpoints, s), out)
	})
}

// GetProfile returns the profile of onlineID.
func (c *Client) GetProfile(ctx context.Context, onlineID string) (*Profile, error) {
	if err := validation.OnlineID("online_id", onlineID); err != nil {
		return nil, rejected("profile", err)
	}
	var out Profile
	err := c.with(ctx, "profile", func(ctx context.Context, s *session.Session, via doer) error {
		return c.getJSON(ctx, via, s, c.endpoints.ProfileURL(s.Region, onlineID), &out)
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// GetTitles returns one page of the trophy titles of onlineID, starting
// at offset.
func (c *Client) GetTitles(ctx context.Context, onlineID string, offset int) (*TrophyTitles, error) {
	if err := validation.All(
		func() error { return validation.OnlineID("online_id", onlineID) },
		func() error { return validation.NonNegative("offset", offset) },
	); err != nil {
		return nil, rejected("titles", err)
	}
	var out TrophyTitles
	err := c.with(ctx, "titles", func(ctx context.Context, s *session.Session, via doer) error {
		return c.getJSON(ctx, via, s, c.endpoints.TitlesURL(s.Region, s.Language, onlineID, offset), &out)
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// GetTrophySet returns the trophies of one title as earned by onlineID.
func (c *Client) GetTrophySet(ctx context.Context, onlineID, npCommunicationID string) (*TrophySet, error) {
	if err := validation.All(
		func() error { return validation.OnlineID("online_id", onlineID) },
		func() error { return validation.NPCommunicationID("np_communication_id", npCommunicationID) },
	); err != nil {
		return nil, rejected("trophy_set", err)
	}
	var out TrophySet
	err := c.with(ctx, "trophy_set", func(ctx context.Context, s *session.Session, via doer) error {
		return c.getJSON(ctx, via, s, c.endpoints.TrophySetURL(s.Region, s.Language, onlineID, npCommunicationID), &out)
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// GetMessageThreads lists the threads of whichever account serves the
// call. Pools of several accounts see a different inbox per call.
func (c *Client) GetMessageThreads(ctx context.Context, offset int) (*MessageThreadsSummary, error) {
	if err := validation.NonNegative("offset", offset); err != nil {
		return nil, rejected("threads", err)
	}
	var out MessageThreadsSummary
	err := c.with(ctx, "threads", func(ctx context.Context, s *session.Session, via doer) error {
		return c.getJSON(ctx, via, s, c.endpoints.ThreadsURL(s.Region, offset), &out)
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// GetMessageThread returns one thread with its latest events.
func (c *Client) GetMessageThread(ctx context.Context, threadID string) (*MessageThread, error) {
	if err := validation.ID("thread_id", threadID); err != nil {
		return nil, rejected("thread", err)
	}
	var out MessageThread
	err := c.with(ctx, "thread", func(ctx context.Context, s *session.Session, via doer) error {
		return c.getJSON(ctx, via, s, c.endpoints.ThreadURL(s.Region, threadID), &out)
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// LeaveMessageThread removes the serving account from a thread. PSN
// answers 204 on success.
func (c *Client) LeaveMessageThread(ctx context.Context, threadID string) error {
	if err := validation.ID("thread_id", threadID); err != nil {
		return rejected("leave_thread", err)
	}
	return c.with(ctx, "leave_thread", func(ctx context.Context, s *session.Session, via doer) error {
		_, err := c.send(ctx, via, s, http.MethodDelete, c.endpoints.LeaveThreadURL(s.Region, threadID), "", nil, is204)
		return err
	})
}

// SendMessage opens a thread with onlineID and posts text into it, with
// the PNG at imagePath attached when imagePath is not empty.
func (c *Client) SendMessage(ctx context.Context, onlineID, text, imagePath string) (*MessageThreadResponse, error) {
	var image []byte
	if imagePath != "" {
		data, err := os.ReadFile(imagePath)
		if err != nil {
			return nil, rejected("send_message", fmt.Errorf("psn: read image: %w: %w", apperrors.ErrInvalidInput, err))
		}
		image = data
	}
	return c.SendMessageWithBuf(ctx, onlineID, text, image)
}

// SendMessageWithBuf is SendMessage with the image passed in memory.
// Either text or image must be given.
func (c *Client) SendMessageWithBuf(ctx context.Context, onlineID, text string, image []byte) (*MessageThreadResponse, error) {
	if text == "" && len(image) == 0 {
		return nil, rejected("send_message", fmt.Errorf("psn: message needs text or an image: %w", apperrors.ErrInvalidInput))
	}
	if err := validation.All(
		func() error { return validation.OnlineID("online_id", onlineID) },
		func() error { return validation.MessageText("text", text) },
	); err != nil {
		return nil, rejected("send_message", err)
	}

	var out MessageThreadResponse
	err := c.with(ctx, "send_message", func(ctx context.Context, s *session.Session, via doer) error {
		thread, err := c.openThread(ctx, via, s, onlineID)
		if err != nil {
			return err
		}

		body, err := messageBodyOf(newBoundary(), text, image)
		if err != nil {
			return err
		}
		return c.postMultipart(ctx, via, s, c.endpoints.SendMessageURL(s.Region, thread.ThreadID), body, &out)
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// openThread opens a thread between the session's account and onlineID.
// PSN returns the existing thread when one is already open.
func (c *Client) openThread(ctx context.Context, via doer, s *session.Session, onlineID string) (*MessageThreadNew, error) {
	body, err := threadBody(newBoundary(), onlineID, s.OnlineID)
	if err != nil {
		return nil, err
	}

	var thread MessageThreadNew
	if err := c.postMultipart(ctx, via, s, c.endpoints.NewThreadURL(s.Region), body, &thread); err != nil {
		return nil, err
	}
	if thread.ThreadID == "" {
		return nil, apperrors.Wrap(apperrors.CodeRemote, "psn: new thread has no id", apperrors.ErrRemote)
	}
	return &thread, nil
}

// SearchStoreItems searches the store for games named like name. lang,
// region and age select the storefront, e.g. "en", "US", "21".
func (c *Client) SearchStoreItems(ctx context.Context, lang, region, age, name string) (*StoreSearchResult, error) {
	if err := validation.All(
		func() error { return validation.Storefront(lang, region, age) },
		func() error { return validation.SearchTerm("name", name) },
	); err != nil {
		return nil, rejected("store_search", err)
	}
	var out StoreSearchResult
	if err := c.storeGet(ctx, "store_search", c.endpoints.StoreSearchURL(lang, region, age, name), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetStoreItem resolves one store item by id.
func (c *Client) GetStoreItem(ctx context.Context, lang, region, age, gameID string) (*StoreSearchResult, error) {
	if err := validation.All(
		func() error { return validation.Storefront(lang, region, age) },
		func() error { return validation.ID("game_id", gameID) },
	); err != nil {
		return nil, rejected("store_item", err)
	}
	var out StoreSearchResult
	if err := c.storeGet(ctx, "store_item", c.endpoints.StoreItemURL(lang, region, age, gameID), &out); err != nil {
		return nil, err
	}
	return &out, nil
}
