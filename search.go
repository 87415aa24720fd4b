package slsk

import (
	"context"
	"time"

	"github.com/immesys/slsk/internal/diag"
	"github.com/immesys/slsk/internal/slskerr"
	"github.com/immesys/slsk/internal/waiter"
	"github.com/immesys/slsk/internal/wire"
)

// FileEntry is one shared-file record as carried by BrowseResponse and
// SearchResponse, per spec §4.B/§4.F's shared wire shape for a file listing
// entry: name, size, and extension. Per-attribute fields (bitrate, duration,
// VBR) are not surfaced — nothing in this client's scope acts on them.
type FileEntry struct {
	Name      string
	Size      int64
	Extension string
}

// BrowseResult is the decoded form of a peer's BrowseResponse.
type BrowseResult struct {
	Directories map[string][]FileEntry
}

// UserInfoResult is the decoded form of a peer's InfoResponse.
type UserInfoResult struct {
	Description  string
	HasPicture   bool
	Picture      []byte
	UploadSlots  int32
	QueueSize    int32
	HasFreeSlots bool
}

// SearchResult is one peer's reply to a FileSearch, decoded from a
// SearchResponse received over that peer's message connection.
type SearchResult struct {
	Username    string
	Token       uint32
	Files       []FileEntry
	FreeSlots   bool
	AvgSpeed    int32
	QueueLength int32
}

// Browse requests username's shared-file listing, per spec §4.B.
func (c *Client) Browse(ctx context.Context, username string) (BrowseResult, error) {
	if c.State() != LoggedIn {
		return BrowseResult{}, slskerr.New(slskerr.InvalidOperation, "must be logged in")
	}
	mc, err := c.peers.GetOrAddMessageConnection(ctx, username)
	if err != nil {
		return BrowseResult{}, err
	}
	if err := mc.Write(wire.NewBuilder(wire.CodeBrowseRequest).Message()); err != nil {
		return BrowseResult{}, err
	}
	key := waiter.NewKey(wire.CodeBrowseResponse, username)
	v, err := c.waiter.Wait(ctx, key, c.opts.MessageTimeout)
	if err != nil {
		return BrowseResult{}, err
	}
	res, _ := v.(BrowseResult)
	return res, nil
}

// UserInfo requests username's profile info, per spec §4.B.
func (c *Client) UserInfo(ctx context.Context, username string) (UserInfoResult, error) {
	if c.State() != LoggedIn {
		return UserInfoResult{}, slskerr.New(slskerr.InvalidOperation, "must be logged in")
	}
	mc, err := c.peers.GetOrAddMessageConnection(ctx, username)
	if err != nil {
		return UserInfoResult{}, err
	}
	if err := mc.Write(wire.NewBuilder(wire.CodeInfoRequest).Message()); err != nil {
		return UserInfoResult{}, err
	}
	key := waiter.NewKey(wire.CodeInfoResponse, username)
	v, err := c.waiter.Wait(ctx, key, c.opts.MessageTimeout)
	if err != nil {
		return UserInfoResult{}, err
	}
	res, _ := v.(UserInfoResult)
	return res, nil
}

// Search issues a FileSearch to the server and collects whatever
// SearchResponses arrive over the given window, per spec §4.E's
// distributed propagation: results trickle in from arbitrarily many peers
// at arbitrary times, so this is a collection window rather than a single
// request/response round trip the shared Waiter could model directly.
func (c *Client) Search(ctx context.Context, query string, window time.Duration) ([]SearchResult, error) {
	if c.State() != LoggedIn {
		return nil, slskerr.New(slskerr.InvalidOperation, "must be logged in")
	}
	token := c.tokens.Next()
	ch := make(chan SearchResult, 64)

	c.searchMu.Lock()
	c.searches[token] = ch
	c.searchMu.Unlock()
	defer func() {
		c.searchMu.Lock()
		delete(c.searches, token)
		c.searchMu.Unlock()
	}()

	req := wire.NewBuilder(wire.CodeFileSearch).WriteUint(token).WriteString(query).Message()
	if err := c.sendServer(req); err != nil {
		return nil, err
	}

	timer := time.NewTimer(window)
	defer timer.Stop()
	var results []SearchResult
	for {
		select {
		case r := <-ch:
			results = append(results, r)
		case <-timer.C:
			return results, nil
		case <-ctx.Done():
			return results, ctx.Err()
		}
	}
}

// deliverSearchResult routes a decoded SearchResponse to whichever pending
// Search call owns its token. Results for an unknown or already-expired
// token (the collection window closed, or this client never issued it — an
// adopted distributed search result echoing a sibling's token) are dropped.
func (c *Client) deliverSearchResult(r SearchResult) {
	c.searchMu.Lock()
	ch, ok := c.searches[r.Token]
	c.searchMu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- r:
	default:
		diag.L().Debugf("slsk: search result channel for token %d full, dropping", r.Token)
	}
}

func decodeBrowseResponse(payload []byte) (BrowseResult, error) {
	r := wire.NewReader(payload)
	if err := r.Decompress(); err != nil {
		return BrowseResult{}, err
	}
	dirCount, err := r.ReadUint()
	if err != nil {
		return BrowseResult{}, err
	}
	dirs := make(map[string][]FileEntry, dirCount)
	for i := uint32(0); i < dirCount; i++ {
		name, err := r.ReadString()
		if err != nil {
			return BrowseResult{}, err
		}
		files, err := readFileEntries(r)
		if err != nil {
			return BrowseResult{}, err
		}
		dirs[name] = files
	}
	return BrowseResult{Directories: dirs}, nil
}

func decodeSearchResponse(payload []byte) (SearchResult, error) {
	r := wire.NewReader(payload)
	if err := r.Decompress(); err != nil {
		return SearchResult{}, err
	}
	username, err := r.ReadString()
	if err != nil {
		return SearchResult{}, err
	}
	token, err := r.ReadUint()
	if err != nil {
		return SearchResult{}, err
	}
	files, err := readFileEntries(r)
	if err != nil {
		return SearchResult{}, err
	}
	freeSlots, _ := r.ReadBool()
	avgSpeed, _ := r.ReadInt()
	queueLength, _ := r.ReadInt()
	return SearchResult{
		Username:    username,
		Token:       token,
		Files:       files,
		FreeSlots:   freeSlots,
		AvgSpeed:    avgSpeed,
		QueueLength: queueLength,
	}, nil
}

// readFileEntries consumes the shared file-listing shape used by both
// BrowseResponse directory entries and SearchResponse result sets: a
// u32 count, then per file a marker byte, name, size, extension, and an
// attribute-pair list we skip without interpreting.
func readFileEntries(r *wire.Reader) ([]FileEntry, error) {
	count, err := r.ReadUint()
	if err != nil {
		return nil, err
	}
	files := make([]FileEntry, 0, count)
	for i := uint32(0); i < count; i++ {
		if _, err := r.ReadByte(); err != nil {
			return nil, err
		}
		name, err := r.ReadString()
		if err != nil {
			return nil, err
		}
		size, err := r.ReadLong()
		if err != nil {
			return nil, err
		}
		ext, err := r.ReadString()
		if err != nil {
			return nil, err
		}
		attrCount, err := r.ReadUint()
		if err != nil {
			return nil, err
		}
		for j := uint32(0); j < attrCount; j++ {
			if _, err := r.ReadUint(); err != nil {
				return nil, err
			}
			if _, err := r.ReadUint(); err != nil {
				return nil, err
			}
		}
		files = append(files, FileEntry{Name: name, Size: size, Extension: ext})
	}
	return files, nil
}

func decodeInfoResponse(payload []byte) (UserInfoResult, error) {
	r := wire.NewReader(payload)
	desc, err := r.ReadString()
	if err != nil {
		return UserInfoResult{}, err
	}
	hasPicture, err := r.ReadBool()
	if err != nil {
		return UserInfoResult{}, err
	}
	var pic []byte
	if hasPicture {
		n, err := r.ReadUint()
		if err != nil {
			return UserInfoResult{}, err
		}
		pic, err = r.ReadBytes(int(n))
		if err != nil {
			return UserInfoResult{}, err
		}
	}
	uploadSlots, err := r.ReadInt()
	if err != nil {
		return UserInfoResult{}, err
	}
	queueSize, err := r.ReadInt()
	if err != nil {
		return UserInfoResult{}, err
	}
	hasFreeSlots, err := r.ReadBool()
	if err != nil {
		return UserInfoResult{}, err
	}
	return UserInfoResult{
		Description:  desc,
		HasPicture:   hasPicture,
		Picture:      pic,
		UploadSlots:  uploadSlots,
		QueueSize:    queueSize,
		HasFreeSlots: hasFreeSlots,
	}, nil
}
