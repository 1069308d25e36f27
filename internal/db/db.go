package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/satbid/auctionhouse/internal/models"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound is returned when a lookup matches no row
var ErrNotFound = errors.New("not found")

// DB wraps a PostgreSQL connection pool
type DB struct {
	Pool *pgxpool.Pool
}

// NewDB initializes a new database connection pool
func NewDB(ctx context.Context, connString string) (*DB, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	return &DB{Pool: pool}, nil
}

// Close closes the database connection pool
func (db *DB) Close(ctx context.Context) error {
	db.Pool.Close()
	return nil
}

// CreateUser inserts a new user
func (db *DB) CreateUser(ctx context.Context, username, passwordHash string) (*models.User, error) {
	user := &models.User{}
	err := db.Pool.QueryRow(ctx,
		"INSERT INTO users (username, password_hash) VALUES ($1, $2) RETURNING id, username, password_hash, created_at",
		username, passwordHash).Scan(&user.ID, &user.Username, &user.PasswordHash, &user.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create user: %w", err)
	}
	return user, nil
}

// GetUserByUsername retrieves a user by username
func (db *DB) GetUserByUsername(ctx context.Context, username string) (*models.User, error) {
	user := &models.User{}
	err := db.Pool.QueryRow(ctx,
		"SELECT id, username, password_hash, created_at FROM users WHERE username = $1",
		username).Scan(&user.ID, &user.Username, &user.PasswordHash, &user.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return user, nil
}

const roomColumns = `id, user_id, wallet_id, name, description, currency, type,
	fee_percentage, min_bid_up_percentage, days, is_open_room,
	lock_webhook, unlock_webhook, transfer_webhook, created_at`

func scanRoom(row pgx.Row) (*models.AuctionRoom, error) {
	room := &models.AuctionRoom{}
	err := row.Scan(&room.ID, &room.UserID, &room.WalletID, &room.Name, &room.Description,
		&room.Currency, &room.Type, &room.FeePercentage, &room.MinBidUpPercentage,
		&room.Days, &room.IsOpenRoom, &room.LockWebhook, &room.UnlockWebhook,
		&room.TransferWebhook, &room.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan auction room: %w", err)
	}
	return room, nil
}

// CreateRoom inserts a new auction room
func (db *DB) CreateRoom(ctx context.Context, room *models.AuctionRoom) (*models.AuctionRoom, error) {
	row := db.Pool.QueryRow(ctx,
		`INSERT INTO auction_rooms (id, user_id, wallet_id, name, description, currency, type,
			fee_percentage, min_bid_up_percentage, days, is_open_room,
			lock_webhook, unlock_webhook, transfer_webhook)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		 RETURNING `+roomColumns,
		room.ID, room.UserID, room.WalletID, room.Name, room.Description, room.Currency,
		room.Type, room.FeePercentage, room.MinBidUpPercentage, room.Days, room.IsOpenRoom,
		room.LockWebhook, room.UnlockWebhook, room.TransferWebhook)
	created, err := scanRoom(row)
	if err != nil {
		return nil, fmt.Errorf("failed to create auction room: %w", err)
	}
	return created, nil
}

// GetRoom retrieves an auction room by id
func (db *DB) GetRoom(ctx context.Context, roomID string) (*models.AuctionRoom, error) {
	row := db.Pool.QueryRow(ctx,
		"SELECT "+roomColumns+" FROM auction_rooms WHERE id = $1", roomID)
	return scanRoom(row)
}

// GetUserRooms retrieves all auction rooms owned by a user
func (db *DB) GetUserRooms(ctx context.Context, userID int) ([]models.AuctionRoom, error) {
	rows, err := db.Pool.Query(ctx,
		"SELECT "+roomColumns+" FROM auction_rooms WHERE user_id = $1 ORDER BY created_at DESC", userID)
	if err != nil {
		return nil, fmt.Errorf("failed to get auction rooms: %w", err)
	}
	defer rows.Close()

	var rooms []models.AuctionRoom
	for rows.Next() {
		room, err := scanRoom(rows)
		if err != nil {
			return nil, err
		}
		rooms = append(rooms, *room)
	}
	return rooms, rows.Err()
}

// UpdateRoom updates a room's mutable configuration. The room type is
// immutable once set.
func (db *DB) UpdateRoom(ctx context.Context, room *models.AuctionRoom) error {
	tag, err := db.Pool.Exec(ctx,
		`UPDATE auction_rooms SET wallet_id = $1, name = $2, description = $3, currency = $4,
			fee_percentage = $5, min_bid_up_percentage = $6, days = $7, is_open_room = $8,
			lock_webhook = $9, unlock_webhook = $10, transfer_webhook = $11
		 WHERE id = $12 AND type = $13`,
		room.WalletID, room.Name, room.Description, room.Currency,
		room.FeePercentage, room.MinBidUpPercentage, room.Days, room.IsOpenRoom,
		room.LockWebhook, room.UnlockWebhook, room.TransferWebhook,
		room.ID, room.Type)
	if err != nil {
		return fmt.Errorf("failed to update auction room: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteRoom deletes a room owned by the user; items and bids cascade
func (db *DB) DeleteRoom(ctx context.Context, roomID string, userID int) (bool, error) {
	tag, err := db.Pool.Exec(ctx,
		"DELETE FROM auction_rooms WHERE id = $1 AND user_id = $2", roomID, userID)
	if err != nil {
		return false, fmt.Errorf("failed to delete auction room: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

const itemColumns = `id, room_id, user_id, name, description, ask_price, current_price,
	active, wallet_id, transfer_code, lock_code, payout_address,
	is_fee_paid, is_owner_paid, is_transferred, created_at, expires_at`

func scanItem(row pgx.Row) (*models.AuctionItem, error) {
	item := &models.AuctionItem{}
	err := row.Scan(&item.ID, &item.RoomID, &item.UserID, &item.Name, &item.Description,
		&item.AskPrice, &item.CurrentPrice, &item.Active, &item.WalletID,
		&item.TransferCode, &item.LockCode, &item.PayoutAddress,
		&item.IsFeePaid, &item.IsOwnerPaid, &item.IsTransferred,
		&item.CreatedAt, &item.ExpiresAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan auction item: %w", err)
	}
	return item, nil
}

// CreateItem inserts a new auction item
func (db *DB) CreateItem(ctx context.Context, item *models.AuctionItem) (*models.AuctionItem, error) {
	row := db.Pool.QueryRow(ctx,
		`INSERT INTO auction_items (id, room_id, user_id, name, description, ask_price,
			wallet_id, transfer_code, lock_code, payout_address, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 RETURNING `+itemColumns,
		item.ID, item.RoomID, item.UserID, item.Name, item.Description, item.AskPrice,
		item.WalletID, item.TransferCode, item.LockCode, item.PayoutAddress, item.ExpiresAt)
	created, err := scanItem(row)
	if err != nil {
		return nil, fmt.Errorf("failed to create auction item: %w", err)
	}
	return created, nil
}

// GetItem retrieves an auction item by id
func (db *DB) GetItem(ctx context.Context, itemID string) (*models.AuctionItem, error) {
	row := db.Pool.QueryRow(ctx,
		"SELECT "+itemColumns+" FROM auction_items WHERE id = $1", itemID)
	return scanItem(row)
}

// GetActiveItems retrieves all items that have not been closed yet
func (db *DB) GetActiveItems(ctx context.Context) ([]models.AuctionItem, error) {
	rows, err := db.Pool.Query(ctx,
		"SELECT "+itemColumns+" FROM auction_items WHERE active = TRUE ORDER BY expires_at ASC")
	if err != nil {
		return nil, fmt.Errorf("failed to get active items: %w", err)
	}
	defer rows.Close()

	var items []models.AuctionItem
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, *item)
	}
	return items, rows.Err()
}

// GetUserItems retrieves all items listed by a user
func (db *DB) GetUserItems(ctx context.Context, userID int) ([]models.AuctionItem, error) {
	rows, err := db.Pool.Query(ctx,
		"SELECT "+itemColumns+" FROM auction_items WHERE user_id = $1 ORDER BY created_at DESC", userID)
	if err != nil {
		return nil, fmt.Errorf("failed to get user items: %w", err)
	}
	defer rows.Close()

	var items []models.AuctionItem
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, *item)
	}
	return items, rows.Err()
}

// ItemListOptions controls pagination of room item listings
type ItemListOptions struct {
	Search          string
	SortBy          string
	SortDesc        bool
	Limit           int
	Offset          int
	IncludeInactive bool
}

var itemSortFields = map[string]bool{
	"name":          true,
	"created_at":    true,
	"expires_at":    true,
	"ask_price":     true,
	"current_price": true,
}

// GetRoomItemsPaginated retrieves a page of items in a room with an optional
// name search. Returns the page and the total match count.
func (db *DB) GetRoomItemsPaginated(ctx context.Context, roomID string, opts ItemListOptions) ([]models.AuctionItem, int, error) {
	where := "WHERE room_id = $1"
	args := []any{roomID}
	if !opts.IncludeInactive {
		where += " AND active = TRUE"
	}
	if opts.Search != "" {
		args = append(args, "%"+opts.Search+"%")
		where += fmt.Sprintf(" AND name ILIKE $%d", len(args))
	}

	var total int
	if err := db.Pool.QueryRow(ctx,
		"SELECT COUNT(*) FROM auction_items "+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count items: %w", err)
	}

	sortBy := "created_at"
	if itemSortFields[opts.SortBy] {
		sortBy = opts.SortBy
	}
	direction := "ASC"
	if opts.SortDesc {
		direction = "DESC"
	}
	if opts.Limit <= 0 {
		opts.Limit = 50
	}
	args = append(args, opts.Limit, opts.Offset)
	query := fmt.Sprintf("SELECT %s FROM auction_items %s ORDER BY %s %s LIMIT $%d OFFSET $%d",
		itemColumns, where, sortBy, direction, len(args)-1, len(args))

	rows, err := db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to get room items: %w", err)
	}
	defer rows.Close()

	var items []models.AuctionItem
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, *item)
	}
	return items, total, rows.Err()
}

// UpdateItem persists an item's mutable state. Deactivation is one-way:
// a closed item can never be flipped back to active here.
func (db *DB) UpdateItem(ctx context.Context, item *models.AuctionItem) error {
	tag, err := db.Pool.Exec(ctx,
		`UPDATE auction_items SET current_price = $1, active = (active AND $2),
			wallet_id = $3, lock_code = $4, payout_address = $5,
			is_fee_paid = (is_fee_paid OR $6),
			is_owner_paid = (is_owner_paid OR $7),
			is_transferred = (is_transferred OR $8)
		 WHERE id = $9`,
		item.CurrentPrice, item.Active, item.WalletID, item.LockCode, item.PayoutAddress,
		item.IsFeePaid, item.IsOwnerPaid, item.IsTransferred, item.ID)
	if err != nil {
		return fmt.Errorf("failed to update auction item: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

const bidColumns = `id, item_id, user_id, amount, currency, amount_sat, payment_hash,
	paid, higher_bid_made, memo, ln_address, created_at`

func scanBid(row pgx.Row) (*models.Bid, error) {
	bid := &models.Bid{}
	err := row.Scan(&bid.ID, &bid.ItemID, &bid.UserID, &bid.Amount, &bid.Currency,
		&bid.AmountSat, &bid.PaymentHash, &bid.Paid, &bid.HigherBidMade,
		&bid.Memo, &bid.LnAddress, &bid.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan bid: %w", err)
	}
	return bid, nil
}

// CreateBid inserts a new bid
func (db *DB) CreateBid(ctx context.Context, bid *models.Bid) (*models.Bid, error) {
	row := db.Pool.QueryRow(ctx,
		`INSERT INTO bids (id, item_id, user_id, amount, currency, amount_sat,
			payment_hash, memo, ln_address)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 RETURNING `+bidColumns,
		bid.ID, bid.ItemID, bid.UserID, bid.Amount, bid.Currency, bid.AmountSat,
		bid.PaymentHash, bid.Memo, bid.LnAddress)
	created, err := scanBid(row)
	if err != nil {
		return nil, fmt.Errorf("failed to create bid: %w", err)
	}
	return created, nil
}

// GetBidByPaymentHash resolves a bid by its invoice identifier
func (db *DB) GetBidByPaymentHash(ctx context.Context, paymentHash string) (*models.Bid, error) {
	row := db.Pool.QueryRow(ctx,
		"SELECT "+bidColumns+" FROM bids WHERE payment_hash = $1", paymentHash)
	return scanBid(row)
}

// GetTopBid retrieves the current winning bid for an item: the unique bid
// with paid = true and higher_bid_made = false.
func (db *DB) GetTopBid(ctx context.Context, itemID string) (*models.Bid, error) {
	row := db.Pool.QueryRow(ctx,
		`SELECT `+bidColumns+` FROM bids
		 WHERE item_id = $1 AND paid = TRUE AND higher_bid_made = FALSE
		 ORDER BY amount DESC, created_at ASC LIMIT 1`, itemID)
	return scanBid(row)
}

// GetItemBids retrieves all bids for an item, newest first
func (db *DB) GetItemBids(ctx context.Context, itemID string) ([]models.Bid, error) {
	rows, err := db.Pool.Query(ctx,
		"SELECT "+bidColumns+" FROM bids WHERE item_id = $1 ORDER BY created_at DESC", itemID)
	if err != nil {
		return nil, fmt.Errorf("failed to get item bids: %w", err)
	}
	defer rows.Close()

	var bids []models.Bid
	for rows.Next() {
		bid, err := scanBid(rows)
		if err != nil {
			return nil, err
		}
		bids = append(bids, *bid)
	}
	return bids, rows.Err()
}

// GetUserBids retrieves all bids placed by a user, newest first
func (db *DB) GetUserBids(ctx context.Context, userID int) ([]models.Bid, error) {
	rows, err := db.Pool.Query(ctx,
		"SELECT "+bidColumns+" FROM bids WHERE user_id = $1 ORDER BY created_at DESC", userID)
	if err != nil {
		return nil, fmt.Errorf("failed to get user bids: %w", err)
	}
	defer rows.Close()

	var bids []models.Bid
	for rows.Next() {
		bid, err := scanBid(rows)
		if err != nil {
			return nil, err
		}
		bids = append(bids, *bid)
	}
	return bids, rows.Err()
}

// CountItemBids returns the number of bids on an item
func (db *DB) CountItemBids(ctx context.Context, itemID string) (int, error) {
	var count int
	err := db.Pool.QueryRow(ctx,
		"SELECT COUNT(*) FROM bids WHERE item_id = $1", itemID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count bids: %w", err)
	}
	return count, nil
}

// MarkBidPaid flags a bid as paid
func (db *DB) MarkBidPaid(ctx context.Context, bidID string) error {
	_, err := db.Pool.Exec(ctx, "UPDATE bids SET paid = TRUE WHERE id = $1", bidID)
	if err != nil {
		return fmt.Errorf("failed to mark bid paid: %w", err)
	}
	return nil
}

// OutbidOtherBids marks every bid on the item except the winner as outbid
func (db *DB) OutbidOtherBids(ctx context.Context, itemID, winningBidID string) error {
	_, err := db.Pool.Exec(ctx,
		"UPDATE bids SET higher_bid_made = TRUE WHERE item_id = $1 AND id <> $2",
		itemID, winningBidID)
	if err != nil {
		return fmt.Errorf("failed to outbid other bids: %w", err)
	}
	return nil
}

// CreateAuditEntry appends a message to the audit trail of an item
func (db *DB) CreateAuditEntry(ctx context.Context, itemID, message string) error {
	_, err := db.Pool.Exec(ctx,
		"INSERT INTO audit_log (item_id, message) VALUES ($1, $2)", itemID, message)
	if err != nil {
		return fmt.Errorf("failed to create audit entry: %w", err)
	}
	return nil
}

// AuditListOptions controls pagination of the audit trail
type AuditListOptions struct {
	Search   string
	SortDesc bool
	Limit    int
	Offset   int
}

// GetAuditEntriesPaginated retrieves a page of audit entries for an item with
// an optional free-text search over messages. Returns the page and the total
// match count.
func (db *DB) GetAuditEntriesPaginated(ctx context.Context, itemID string, opts AuditListOptions) ([]models.AuditEntry, int, error) {
	where := "WHERE item_id = $1"
	args := []any{itemID}
	if opts.Search != "" {
		args = append(args, "%"+opts.Search+"%")
		where += fmt.Sprintf(" AND message ILIKE $%d", len(args))
	}

	var total int
	if err := db.Pool.QueryRow(ctx,
		"SELECT COUNT(*) FROM audit_log "+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count audit entries: %w", err)
	}

	direction := "ASC"
	if opts.SortDesc {
		direction = "DESC"
	}
	if opts.Limit <= 0 {
		opts.Limit = 50
	}
	args = append(args, opts.Limit, opts.Offset)
	query := fmt.Sprintf(
		"SELECT id, item_id, message, created_at FROM audit_log %s ORDER BY created_at %s, id %s LIMIT $%d OFFSET $%d",
		where, direction, direction, len(args)-1, len(args))

	rows, err := db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to get audit entries: %w", err)
	}
	defer rows.Close()

	var entries []models.AuditEntry
	for rows.Next() {
		var e models.AuditEntry
		if err := rows.Scan(&e.ID, &e.ItemID, &e.Message, &e.CreatedAt); err != nil {
			return nil, 0, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, total, rows.Err()
}
