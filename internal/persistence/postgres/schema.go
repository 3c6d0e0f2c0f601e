package postgres

// schema is the authoritative DDL. Positional per-slot arrays live in
// JSONB so null padding survives round trips; unique constraints carry
// the (user,date) / (date,rank) invariants.
const schema = `
CREATE TABLE IF NOT EXISTS questions (
    id            TEXT PRIMARY KEY,
    text          TEXT NOT NULL,
    options       JSONB NOT NULL,
    correct_index INT NOT NULL CHECK (correct_index >= 0 AND correct_index < 4)
);

CREATE TABLE IF NOT EXISTS quizzes (
    date                TEXT PRIMARY KEY,
    question_ids        JSONB NOT NULL,
    class_grade         TEXT NOT NULL DEFAULT '',
    state               TEXT NOT NULL,
    scheduled_at        TIMESTAMPTZ,
    locked_at           TIMESTAMPTZ,
    payment_closed_at   TIMESTAMPTZ,
    live_at             TIMESTAMPTZ,
    ended_at            TIMESTAMPTZ,
    finalized_at        TIMESTAMPTZ,
    result_published_at TIMESTAMPTZ,
    created_at          TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS users (
    id               TEXT PRIMARY KEY,
    role             TEXT NOT NULL DEFAULT 'user',
    class_grade      TEXT NOT NULL DEFAULT '',
    profile_complete BOOLEAN NOT NULL DEFAULT false,
    free_credits     INT NOT NULL DEFAULT 0,
    suspicious       BOOLEAN NOT NULL DEFAULT false,
    blocked_until    TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS attempts (
    id                     TEXT PRIMARY KEY,
    user_id                TEXT NOT NULL,
    date                   TEXT NOT NULL,
    question_order         JSONB NOT NULL,
    option_orders          JSONB NOT NULL,
    answers                JSONB NOT NULL DEFAULT '[]',
    answer_times           JSONB NOT NULL DEFAULT '[]',
    committed_question_ids JSONB NOT NULL DEFAULT '[]',
    device_hash            TEXT NOT NULL,
    eligibility            JSONB NOT NULL,
    quiz_started_at        TIMESTAMPTZ NOT NULL,
    completed_at           TIMESTAMPTZ,
    answers_saved          BOOLEAN NOT NULL DEFAULT false,
    score                  INT,
    counted                BOOLEAN,
    finalized_at           TIMESTAMPTZ,
    reason_codes           JSONB NOT NULL DEFAULT '[]',
    created_at             TIMESTAMPTZ NOT NULL DEFAULT now(),
    UNIQUE (user_id, date)
);
CREATE INDEX IF NOT EXISTS attempts_date_idx ON attempts (date);

CREATE TABLE IF NOT EXISTS payments (
    user_id      TEXT NOT NULL,
    date         TEXT NOT NULL,
    status       TEXT NOT NULL,
    amount_paise BIGINT NOT NULL DEFAULT 0,
    type         TEXT NOT NULL DEFAULT '',
    order_id     TEXT NOT NULL DEFAULT '',
    external_id  TEXT NOT NULL DEFAULT '',
    captured_at  TIMESTAMPTZ,
    refunded_at  TIMESTAMPTZ,
    created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
    PRIMARY KEY (user_id, date)
);
CREATE UNIQUE INDEX IF NOT EXISTS payments_order_idx ON payments (order_id) WHERE order_id <> '';

CREATE TABLE IF NOT EXISTS winners (
    date                   TEXT NOT NULL,
    rank                   INT NOT NULL,
    user_id                TEXT NOT NULL,
    attempt_id             TEXT NOT NULL,
    score                  INT NOT NULL,
    total_time_ms          BIGINT NOT NULL,
    accuracy               DOUBLE PRECISION NOT NULL,
    quiz_integrity_hash    TEXT NOT NULL,
    attempt_integrity_hash TEXT NOT NULL,
    created_at             TIMESTAMPTZ NOT NULL DEFAULT now(),
    PRIMARY KEY (date, rank),
    UNIQUE (date, user_id)
);

CREATE TABLE IF NOT EXISTS progress (
    user_id     TEXT NOT NULL,
    date        TEXT NOT NULL,
    sent_at     JSONB NOT NULL DEFAULT '[]',
    answered_at JSONB NOT NULL DEFAULT '[]',
    expires_at  TIMESTAMPTZ NOT NULL,
    PRIMARY KEY (user_id, date)
);
CREATE INDEX IF NOT EXISTS progress_expiry_idx ON progress (expires_at);

CREATE TABLE IF NOT EXISTS audit_log (
    id         TEXT PRIMARY KEY,
    date       TEXT NOT NULL,
    actor      TEXT NOT NULL,
    actor_id   TEXT NOT NULL DEFAULT '',
    action     TEXT NOT NULL,
    target     TEXT NOT NULL,
    before     TEXT NOT NULL DEFAULT '',
    after      TEXT NOT NULL DEFAULT '',
    detail     TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS audit_date_idx ON audit_log (date);

CREATE TABLE IF NOT EXISTS anticheat_events (
    id         TEXT PRIMARY KEY,
    date       TEXT NOT NULL,
    user_id    TEXT NOT NULL,
    kind       TEXT NOT NULL,
    detail     TEXT NOT NULL DEFAULT '',
    ip         TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS anticheat_user_idx ON anticheat_events (date, user_id, kind);
CREATE INDEX IF NOT EXISTS anticheat_ip_idx ON anticheat_events (date, ip);
`
