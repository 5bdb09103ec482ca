package database

// schema is the single source of truth for the trading store.
// All timestamps are Unix epoch seconds stored as INTEGER.
const schema = `
CREATE TABLE IF NOT EXISTS orders (
    user_id            TEXT    NOT NULL,
    local_id           TEXT    NOT NULL,
    broker_order_id    TEXT,
    symbol             TEXT    NOT NULL,
    ticker             TEXT    NOT NULL DEFAULT '',
    side               TEXT    NOT NULL CHECK(side IN ('BUY','SELL')),
    order_type         TEXT    NOT NULL CHECK(order_type IN ('MARKET','LIMIT')),
    variety            TEXT    NOT NULL CHECK(variety IN ('AMO','REGULAR')),
    quantity           REAL    NOT NULL CHECK(quantity > 0),
    price              REAL,
    original_price     REAL,
    original_quantity  REAL,
    status             TEXT    NOT NULL CHECK(status IN ('pending','ongoing','failed','closed','cancelled')),
    reason             TEXT    NOT NULL DEFAULT '',
    retry_count        INTEGER NOT NULL DEFAULT 0,
    first_failed_at    INTEGER,
    last_retry_attempt INTEGER,
    last_status_check  INTEGER,
    execution_price    REAL,
    execution_qty      REAL    NOT NULL DEFAULT 0,
    execution_time     INTEGER,
    is_manual          INTEGER NOT NULL DEFAULT 0,
    source_order_id    TEXT    NOT NULL DEFAULT '',
    placed_at          INTEGER NOT NULL,
    updated_at         INTEGER NOT NULL,
    PRIMARY KEY (user_id, local_id)
);

CREATE INDEX IF NOT EXISTS idx_orders_user_status ON orders(user_id, status);
CREATE INDEX IF NOT EXISTS idx_orders_user_broker ON orders(user_id, broker_order_id);
CREATE INDEX IF NOT EXISTS idx_orders_user_symbol ON orders(user_id, symbol, side, status);

CREATE TABLE IF NOT EXISTS positions (
    user_id   TEXT    NOT NULL,
    symbol    TEXT    NOT NULL,
    quantity  REAL    NOT NULL CHECK(quantity >= 0),
    avg_price REAL    NOT NULL CHECK(avg_price >= 0),
    opened_at INTEGER NOT NULL,
    closed_at INTEGER,
    PRIMARY KEY (user_id, symbol)
);

CREATE TABLE IF NOT EXISTS tracking_scope (
    user_id               TEXT    NOT NULL,
    symbol                TEXT    NOT NULL,
    system_qty            REAL    NOT NULL DEFAULT 0,
    pre_existing_qty      REAL    NOT NULL DEFAULT 0,
    current_tracked_qty   REAL    NOT NULL DEFAULT 0 CHECK(current_tracked_qty >= 0),
    tracking_status       TEXT    NOT NULL DEFAULT 'active' CHECK(tracking_status IN ('active','completed')),
    initial_order_id      TEXT    NOT NULL DEFAULT '',
    related_order_ids     TEXT    NOT NULL DEFAULT '[]',
    recommendation_source TEXT    NOT NULL DEFAULT '',
    updated_at            INTEGER NOT NULL,
    PRIMARY KEY (user_id, symbol)
);

CREATE TABLE IF NOT EXISTS schedules (
    task_name     TEXT    PRIMARY KEY,
    schedule_time TEXT    NOT NULL,
    enabled       INTEGER NOT NULL DEFAULT 1,
    is_hourly     INTEGER NOT NULL DEFAULT 0,
    is_continuous INTEGER NOT NULL DEFAULT 0,
    end_time      TEXT    NOT NULL DEFAULT '',
    updated_by    TEXT    NOT NULL DEFAULT '',
    updated_at    INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS service_status (
    user_id           TEXT    NOT NULL,
    task_name         TEXT    NOT NULL,
    is_running        INTEGER NOT NULL DEFAULT 0,
    started_at        INTEGER,
    last_execution_at INTEGER,
    next_execution_at INTEGER,
    process_handle    TEXT    NOT NULL DEFAULT '',
    PRIMARY KEY (user_id, task_name)
);
`
